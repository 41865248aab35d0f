package export

// Clip is one event of an edit decision list. Times are source seconds.
type Clip struct {
	Name      string
	MediaPath string
	Start     float64
	End       float64
}

// Duration is the length of the clip in seconds.
func (c Clip) Duration() float64 {
	if c.End <= c.Start {
		return 0
	}
	return c.End - c.Start
}
