package ui

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders the last width samples as block characters scaled to
// the largest sample. Short input is padded on the left with the lowest
// block.
func Sparkline(data []float64, width int) string {
	if width <= 0 {
		return ""
	}
	if len(data) > width {
		data = data[len(data)-width:]
	}

	var peak float64
	for _, v := range data {
		peak = max(peak, v)
	}

	out := make([]rune, width)
	pad := width - len(data)
	for i := range out {
		out[i] = sparkRunes[0]
		if i < pad || peak <= 0 {
			continue
		}
		v := data[i-pad]
		if v <= 0 {
			continue
		}
		idx := min(int(v/peak*float64(len(sparkRunes)-1)), len(sparkRunes)-1)
		out[i] = sparkRunes[idx]
	}
	return string(out)
}
