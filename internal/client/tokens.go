package client

// EstimateTokens stima i token di un testo quando il provider non li riporta:
// circa 1.5 ideogrammi CJK o 4 altri caratteri per token
func EstimateTokens(text string) int {
	var cjk, other int
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		} else {
			other++
		}
	}
	return int(float64(cjk)/1.5 + float64(other)/4)
}
