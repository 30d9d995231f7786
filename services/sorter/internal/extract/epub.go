package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

const maxEntryBytes = 32 << 20

type containerXML struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opfPackage struct {
	Metadata struct {
		Titles       []string `xml:"title"`
		Creators     []string `xml:"creator"`
		Publishers   []string `xml:"publisher"`
		Dates        []string `xml:"date"`
		Identifiers  []string `xml:"identifier"`
		Languages    []string `xml:"language"`
		Descriptions []string `xml:"description"`
		Subjects     []string `xml:"subject"`
		Metas        []struct {
			Name    string `xml:"name,attr"`
			Content string `xml:"content,attr"`
		} `xml:"meta"`
	} `xml:"metadata"`
	Manifest []manifestItem `xml:"manifest>item"`
	Spine    []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

type manifestItem struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr"`
}

type epubArchive struct {
	files map[string]*zip.File
	base  string
	pkg   opfPackage
}

func (e *Extractor) extractEPUB(filePath string) Bundle {
	b := Bundle{Format: "epub"}
	reader, err := zip.OpenReader(filePath)
	if err != nil {
		b.fail("archive", fmt.Errorf("open epub: %w", err))
		return b
	}
	defer reader.Close()

	arc := &epubArchive{files: make(map[string]*zip.File, len(reader.File))}
	for _, f := range reader.File {
		arc.files[f.Name] = f
	}
	if err := arc.loadPackage(); err != nil {
		b.fail("metadata", err)
	} else {
		b.Metadata = arc.metadata()
		b.ISBN.Metadata = metadataISBNs(b.Metadata.Identifiers)
	}

	docs := arc.documents()
	var (
		text    strings.Builder
		refs    []string
		textErr error
	)
	for i, name := range docs {
		root, err := arc.parseHTML(name)
		if err != nil {
			if textErr == nil {
				textErr = err
			}
			continue
		}
		chunk := normalizeText(extractText(root))
		if i < isbnScanDocs {
			b.ISBN.Text = appendUnique(b.ISBN.Text, FindISBNs(chunk)...)
		}
		if i < coverScanDocs {
			refs = append(refs, imageRefs(root)...)
		}
		if chunk != "" && utf8.RuneCountInString(text.String()) < e.previewChars {
			if text.Len() > 0 {
				text.WriteString(" ")
			}
			text.WriteString(chunk)
		}
		if i >= isbnScanDocs && utf8.RuneCountInString(text.String()) >= e.previewChars {
			break
		}
	}
	if textErr != nil {
		b.fail("text", textErr)
	}
	b.TextPreview = truncateRunes(text.String(), e.previewChars)

	covers, err := e.coverCandidates(arc, refs)
	if err != nil {
		b.fail("covers", err)
	}
	b.Covers = covers
	return b
}

func (a *epubArchive) read(name string) ([]byte, error) {
	f, ok := a.files[name]
	if !ok {
		return nil, fmt.Errorf("missing entry %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func (a *epubArchive) loadPackage() error {
	raw, err := a.read("META-INF/container.xml")
	if err != nil {
		return err
	}
	var c containerXML
	if err := xml.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("parse container.xml: %w", err)
	}
	if len(c.Rootfiles) == 0 || c.Rootfiles[0].FullPath == "" {
		return errors.New("container.xml has no rootfile")
	}
	opfPath := c.Rootfiles[0].FullPath
	raw, err = a.read(opfPath)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(raw, &a.pkg); err != nil {
		return fmt.Errorf("parse %s: %w", opfPath, err)
	}
	a.base = path.Dir(opfPath)
	return nil
}

func (a *epubArchive) resolve(href string) string {
	href = strings.SplitN(href, "#", 2)[0]
	if a.base == "" || a.base == "." {
		return path.Clean(href)
	}
	return path.Join(a.base, href)
}

func (a *epubArchive) metadata() Metadata {
	md := a.pkg.Metadata
	return Metadata{
		Title:       first(md.Titles),
		Creators:    cleanAll(md.Creators),
		Publisher:   first(md.Publishers),
		Date:        first(md.Dates),
		Identifiers: cleanAll(md.Identifiers),
		Language:    first(md.Languages),
		Description: normalizeText(first(md.Descriptions)),
		Subjects:    cleanAll(md.Subjects),
	}
}

// documents lists content documents in spine order, falling back to the
// manifest and finally to every html entry in the archive.
func (a *epubArchive) documents() []string {
	byID := make(map[string]manifestItem, len(a.pkg.Manifest))
	for _, item := range a.pkg.Manifest {
		byID[item.ID] = item
	}
	var docs []string
	for _, ref := range a.pkg.Spine {
		if item, ok := byID[ref.IDRef]; ok && isHTMLItem(item) {
			docs = append(docs, a.resolve(item.Href))
		}
	}
	if len(docs) > 0 {
		return docs
	}
	for _, item := range a.pkg.Manifest {
		if isHTMLItem(item) {
			docs = append(docs, a.resolve(item.Href))
		}
	}
	if len(docs) > 0 {
		return docs
	}
	for name := range a.files {
		if isHTMLName(name) {
			docs = append(docs, name)
		}
	}
	sort.Strings(docs)
	return docs
}

func (a *epubArchive) parseHTML(name string) (*html.Node, error) {
	raw, err := a.read(name)
	if err != nil {
		return nil, err
	}
	root, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return root, nil
}

// coverItem returns the archive path of the declared cover image.
func (a *epubArchive) coverItem() string {
	for _, item := range a.pkg.Manifest {
		if strings.Contains(" "+item.Properties+" ", " cover-image ") {
			return a.resolve(item.Href)
		}
	}
	for _, meta := range a.pkg.Metadata.Metas {
		if meta.Name != "cover" {
			continue
		}
		for _, item := range a.pkg.Manifest {
			if item.ID == meta.Content {
				return a.resolve(item.Href)
			}
		}
	}
	return ""
}

// imageEntries lists raster images, preferring the manifest's view.
func (a *epubArchive) imageEntries() []manifestItem {
	var items []manifestItem
	seen := make(map[string]struct{})
	for _, item := range a.pkg.Manifest {
		if !strings.HasPrefix(item.MediaType, "image/") {
			continue
		}
		full := a.resolve(item.Href)
		seen[full] = struct{}{}
		items = append(items, manifestItem{ID: item.ID, Href: full, MediaType: item.MediaType})
	}
	var extra []string
	for name := range a.files {
		if _, ok := seen[name]; ok {
			continue
		}
		if mt := imageMediaType(name); mt != "" {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		items = append(items, manifestItem{Href: name, MediaType: imageMediaType(name)})
	}
	return items
}

func metadataISBNs(identifiers []string) []string {
	var out []string
	for _, raw := range identifiers {
		if isbn := NormalizeISBN(raw); ValidISBN(isbn) {
			out = appendUnique(out, isbn)
		}
	}
	return out
}

func isHTMLItem(item manifestItem) bool {
	switch item.MediaType {
	case "application/xhtml+xml", "text/html":
		return true
	}
	return isHTMLName(item.Href)
}

func isHTMLName(name string) bool {
	name = strings.ToLower(name)
	return strings.HasSuffix(name, ".xhtml") || strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm")
}

func first(values []string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func cleanAll(values []string) []string {
	var out []string
	for _, v := range values {
		out = appendUnique(out, strings.TrimSpace(v))
	}
	return out
}
