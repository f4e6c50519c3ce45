package domain

import "time"

type ItemStatus string

const (
	ItemOK    ItemStatus = "ok"
	ItemError ItemStatus = "error"
)

type TOCEntry struct {
	Title    string     `json:"title"`
	Level    int        `json:"level"`
	Children []TOCEntry `json:"children,omitempty"`
}

type Metadata struct {
	Languages      []string       `json:"languages,omitempty"`
	TOC            []TOCEntry     `json:"toc,omitempty"`
	Pages          int            `json:"pages,omitempty"`
	CustomMetadata map[string]any `json:"custom_metadata"`
}

// ConversionResult is produced once per input document and never mutated afterwards.
type ConversionResult struct {
	Filename string            `json:"filename"`
	Markdown string            `json:"markdown"`
	Images   map[string]string `json:"images"`
	Metadata Metadata          `json:"metadata"`
	Status   ItemStatus        `json:"status"`
	Error    string            `json:"error,omitempty"`
	Time     float64           `json:"time,omitempty"`
}

func (r ConversionResult) OK() bool { return r.Status == ItemOK }

// BatchResult aggregates a terminal batch. Successful+Failed == Total == len(Results).
type BatchResult struct {
	Results    []ConversionResult `json:"results"`
	Total      int                `json:"total"`
	Successful int                `json:"successful"`
	Failed     int                `json:"failed"`
}

func NewBatchResult(results []ConversionResult) BatchResult {
	out := BatchResult{Results: results, Total: len(results)}
	for _, r := range results {
		if r.OK() {
			out.Successful++
		} else {
			out.Failed++
		}
	}
	if out.Results == nil {
		out.Results = []ConversionResult{}
	}
	return out
}

type ResultRecord struct {
	TaskID      string             `json:"taskId"`
	Kind        TaskKind           `json:"kind"`
	Status      TaskStatus         `json:"status"`
	Results     []ConversionResult `json:"results,omitempty"`
	Error       string             `json:"error,omitempty"`
	CompletedAt time.Time          `json:"completedAt"`
}

func (r ResultRecord) Batch() BatchResult { return NewBatchResult(r.Results) }

// Single returns the only result of a single-document task.
func (r ResultRecord) Single() *ConversionResult {
	if len(r.Results) == 0 {
		return nil
	}
	res := r.Results[0]
	return &res
}
