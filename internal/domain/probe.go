package domain

import "fmt"

// ProbeStream is the subset of ffprobe stream output needed for still images.
type ProbeStream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	PixFmt    string `json:"pix_fmt"`
}

type ProbeResult struct {
	Streams []ProbeStream `json:"streams"`
	RawJSON string        `json:"-"`
}

const (
	oneKilobyte = 1024
	oneMegabyte = oneKilobyte * 1024
	oneGigabyte = oneMegabyte * 1024
)

// ImageStream returns the first video stream, which is where ffprobe reports
// decoded still images.
func (p *ProbeResult) ImageStream() *ProbeStream {
	for i := range p.Streams {
		if p.Streams[i].CodecType == "video" {
			return &p.Streams[i]
		}
	}
	return nil
}

func (p *ProbeResult) Dimensions() (width, height int) {
	if s := p.ImageStream(); s != nil {
		return s.Width, s.Height
	}
	return 0, 0
}

func FormatSize(bytes int64) string {
	if bytes < 0 {
		return "-" + FormatSize(-bytes)
	}
	if bytes < oneKilobyte {
		return fmt.Sprintf("%d B", bytes)
	}
	if bytes < oneMegabyte {
		return fmt.Sprintf("%.1f KB", float64(bytes)/oneKilobyte)
	}
	if bytes < oneGigabyte {
		return fmt.Sprintf("%.1f MB", float64(bytes)/oneMegabyte)
	}
	return fmt.Sprintf("%.1f GB", float64(bytes)/oneGigabyte)
}
