package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

const docxMainContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"

// partsFunc picks the XML parts of an office package that hold body text, in reading order.
type partsFunc func(zr *zip.Reader) ([]string, error)

// officeText extracts the character data of the named elements (by local
// name) from the parts chosen by parts. Fragments are joined by single spaces.
func officeText(parts partsFunc, elements ...string) Func {
	want := make(map[string]bool, len(elements))
	for _, el := range elements {
		want[el] = true
	}
	return func(content []byte) (string, error) {
		zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
		if err != nil {
			return "", fmt.Errorf("not a zip: %w", err)
		}
		names, err := parts(zr)
		if err != nil {
			return "", err
		}
		var words []string
		for _, name := range names {
			data, err := readPart(zr, name)
			if err != nil {
				return "", err
			}
			frags, err := elementText(data, want)
			if err != nil {
				return "", fmt.Errorf("parse %s: %w", name, err)
			}
			words = append(words, frags...)
		}
		return strings.Join(words, " "), nil
	}
}

// elementText collects trimmed, non-empty text directly inside wanted elements.
func elementText(data []byte, want map[string]bool) ([]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var (
		out   []string
		stack []bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, want[t.Name.Local])
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 && stack[len(stack)-1] {
				if s := strings.TrimSpace(string(t)); s != "" {
					out = append(out, s)
				}
			}
		}
	}
}

func readPart(zr *zip.Reader, name string) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// docxParts returns the main document part named in [Content_Types].xml,
// falling back to word/document.xml.
func docxParts(zr *zip.Reader) ([]string, error) {
	main := "word/document.xml"
	if data, err := readPart(zr, "[Content_Types].xml"); err == nil {
		var types struct {
			Overrides []struct {
				PartName    string `xml:"PartName,attr"`
				ContentType string `xml:"ContentType,attr"`
			} `xml:"Override"`
		}
		if xml.Unmarshal(data, &types) == nil {
			for _, o := range types.Overrides {
				if o.ContentType == docxMainContentType {
					main = strings.TrimPrefix(o.PartName, "/")
					break
				}
			}
		}
	}
	return []string{main}, nil
}

// pptxParts returns ppt/slides/slideN.xml in slide order.
func pptxParts(zr *zip.Reader) ([]string, error) {
	type slide struct {
		name string
		n    int
	}
	var slides []slide
	for _, f := range zr.File {
		var n int
		if _, err := fmt.Sscanf(f.Name, "ppt/slides/slide%d.xml", &n); err == nil && strings.HasSuffix(f.Name, ".xml") {
			slides = append(slides, slide{f.Name, n})
		}
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })
	out := make([]string, len(slides))
	for i, s := range slides {
		out[i] = s.name
	}
	return out, nil
}

func odfParts(*zip.Reader) ([]string, error) {
	return []string{"content.xml"}, nil
}
