package extract

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"path"
	"sort"
	"strings"
)

const contrastGrid = 64

var rasterTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
}

func imageMediaType(name string) string {
	return rasterTypes[strings.ToLower(path.Ext(name))]
}

func isSVG(item manifestItem) bool {
	return item.MediaType == "image/svg+xml" || strings.EqualFold(path.Ext(item.Href), ".svg")
}

func (e *Extractor) coverCandidates(arc *epubArchive, refs []string) ([]Image, error) {
	rank := make(map[string]int, len(refs))
	for i, ref := range refs {
		if _, ok := rank[ref]; !ok {
			rank[ref] = i
		}
	}
	var (
		out      []Image
		firstErr error
	)
	for _, item := range arc.imageEntries() {
		if isSVG(item) {
			continue
		}
		data, err := arc.read(item.Href)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		img := inspectImage(item.Href, item.MediaType, data)
		if img.Width > 0 && img.Height > 0 && (img.Width < e.minWidth || img.Height < e.minHeight) {
			continue
		}
		out = append(out, img)
	}

	position := func(img Image) int {
		if p, ok := rank[path.Base(img.Href)]; ok {
			return p
		}
		return math.MaxInt
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := position(out[i]), position(out[j])
		if pi != pj {
			return pi < pj
		}
		return out[i].Width > out[j].Width
	})

	if declared := arc.coverItem(); declared != "" {
		for i := range out {
			if out[i].Href == declared {
				cover := out[i]
				out = append(out[:i], out[i+1:]...)
				out = append([]Image{cover}, out...)
				break
			}
		}
	}
	if len(out) > e.maxCovers {
		out = out[:e.maxCovers]
	}
	if len(out) > 0 {
		out[0].Primary = true
	}
	return out, firstErr
}

// inspectImage decodes dimensions and a contrast score. Undecodable images
// keep zero dimensions and are never sent to OCR.
func inspectImage(name, mediaType string, data []byte) Image {
	img := Image{Href: name, MediaType: mediaType, Data: data}
	if img.MediaType == "" {
		img.MediaType = imageMediaType(name)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return img
	}
	img.Width, img.Height, img.Format = cfg.Width, cfg.Height, format
	decoded, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return img
	}
	img.Contrast = luminanceStdDev(decoded)
	img.decoded = true
	return img
}

// luminanceStdDev samples a grid over the image and returns the standard
// deviation of Rec. 601 luma on a 0..255 scale.
func luminanceStdDev(img image.Image) float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	stepX := max(1, w/contrastGrid)
	stepY := max(1, h/contrastGrid)
	var sum, sumSq, n float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, _ := img.At(x, y).RGBA()
			l := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257
			sum += l
			sumSq += l * l
			n++
		}
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		return 0
	}
	return math.Sqrt(variance)
}
