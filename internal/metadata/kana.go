package metadata

// ContainsJapaneseKana reports whether more than 5% of text's non-space
// characters are hiragana (U+3040-U+309F) or katakana (U+30A0-U+30FF).
// Community-translated Chinese titles carry next to no kana, so a high
// ratio means the catalog served the Japanese original instead.
func ContainsJapaneseKana(text string) bool {
	var kana, total int
	for _, r := range text {
		if r == ' ' {
			continue
		}
		total++
		if (r >= 0x3040 && r <= 0x309F) || (r >= 0x30A0 && r <= 0x30FF) {
			kana++
		}
	}
	if total == 0 {
		return false
	}
	return float64(kana)/float64(total) > 0.05
}
