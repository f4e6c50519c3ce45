package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/osvaldoandrade/markerq/pkg/domain"
)

// SaveMarkdown stores <name>/<name>.md, every image and <name>_meta.json,
// where name is the document filename without extension. It returns the
// location of the folder.
func SaveMarkdown(ctx context.Context, up OutputStore, res domain.ConversionResult) (string, error) {
	name := strings.TrimSuffix(path.Base(res.Filename), path.Ext(res.Filename))
	if name == "" || name == "." || name == "/" {
		name = "document"
	}

	mdLoc, err := up.Put(ctx, path.Join(name, name+".md"), "text/markdown", []byte(res.Markdown))
	if err != nil {
		return "", fmt.Errorf("save markdown: %w", err)
	}
	for imgName, encoded := range res.Images {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return "", fmt.Errorf("image %s: %w", imgName, err)
		}
		if _, err := up.Put(ctx, path.Join(name, path.Base(imgName)), "image/png", data); err != nil {
			return "", fmt.Errorf("save image %s: %w", imgName, err)
		}
	}
	meta, err := json.MarshalIndent(res.Metadata, "", "  ")
	if err != nil {
		return "", err
	}
	if _, err := up.Put(ctx, path.Join(name, name+"_meta.json"), "application/json", meta); err != nil {
		return "", fmt.Errorf("save metadata: %w", err)
	}
	return strings.TrimSuffix(mdLoc, "/"+name+".md"), nil
}
