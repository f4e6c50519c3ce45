package converter

import (
	"bytes"
	"fmt"
	"strings"
)

// fixturePDF assembles a small uncompressed PDF with a valid xref table.
type fixturePDF struct {
	pages     []string
	title     string
	lang      string
	outline   []string
	grayImage bool
}

func pdfStream(dict, data string) string {
	return fmt.Sprintf("<< %s /Length %d >>\nstream\n%s\nendstream", dict, len(data), data)
}

func (f fixturePDF) bytes() []byte {
	var objs []string
	add := func(body string) int {
		objs = append(objs, body)
		return len(objs)
	}

	catalog := add("")
	pagesObj := add("")
	font := add("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")
	info := add(fmt.Sprintf("<< /Title (%s) /Author (markerq tests) >>", f.title))

	image := 0
	if f.grayImage {
		image = add(pdfStream("/Type /XObject /Subtype /Image /Width 2 /Height 2 /ColorSpace /DeviceGray /BitsPerComponent 8", "\x00\xff\xff\x00"))
	}

	var kids []string
	for i, content := range f.pages {
		resources := fmt.Sprintf("/Font << /F1 %d 0 R >>", font)
		if image > 0 && i == 0 {
			resources += fmt.Sprintf(" /XObject << /Im1 %d 0 R >>", image)
		}
		contents := add(pdfStream("", content))
		page := add(fmt.Sprintf("<< /Type /Page /Parent %d 0 R /MediaBox [0 0 612 792] /Resources << %s >> /Contents %d 0 R >>", pagesObj, resources, contents))
		kids = append(kids, fmt.Sprintf("%d 0 R", page))
	}
	objs[pagesObj-1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(kids))

	root := fmt.Sprintf("/Type /Catalog /Pages %d 0 R", pagesObj)
	if f.lang != "" {
		root += fmt.Sprintf(" /Lang (%s)", f.lang)
	}
	if len(f.outline) > 0 {
		outlines := add("")
		first := len(objs) + 1
		for i, title := range f.outline {
			item := fmt.Sprintf("<< /Title (%s) /Parent %d 0 R", title, outlines)
			if i < len(f.outline)-1 {
				item += fmt.Sprintf(" /Next %d 0 R", first+i+1)
			}
			add(item + " >>")
		}
		objs[outlines-1] = fmt.Sprintf("<< /Type /Outlines /First %d 0 R /Last %d 0 R /Count %d >>", first, len(objs), len(f.outline))
		root += fmt.Sprintf(" /Outlines %d 0 R", outlines)
	}
	objs[catalog-1] = "<< " + root + " >>"

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, body := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root %d 0 R /Info %d 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, catalog, info, xref)
	return buf.Bytes()
}

func reportPDF() fixturePDF {
	return fixturePDF{
		title:   "Annual Report",
		lang:    "en-US",
		outline: []string{"Annual Report", "Methods"},
		pages: []string{
			"BT /F1 24 Tf 72 720 Td (Annual Report) Tj ET\n" +
				"BT /F1 12 Tf 72 690 Td (Revenue grew in every) Tj ET\n" +
				"BT /F1 12 Tf 72 676 Td (region this year.) Tj ET\n" +
				"BT /F1 12 Tf 72 640 Td (Second paragraph.) Tj ET",
			"BT /F1 15 Tf 72 720 Td (Methods) Tj ET\n" +
				"BT /F1 12 Tf 72 700 Td (Details follow.) Tj ET",
		},
	}
}
