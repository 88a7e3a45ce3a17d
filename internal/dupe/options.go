package dupe

import "hibiki.cc/otokura/internal/library"

// languagePriority ranks translation languages; lower is preferred.
// Unknown languages rank last.
var languagePriority = map[string]int{
	"CHI_HANS": 1,
	"CHI_HANT": 2,
	"JPN":      3,
	"ENG":      4,
	"KO_KR":    5,
	"SPA":      6,
	"FRE":      7,
	"GER":      8,
	"RUS":      9,
	"THA":      10,
	"VIE":      11,
	"ITA":      12,
	"POR":      13,
}

const unknownLanguagePriority = 99

// LanguagePriority returns the rank for lang, 99 when unknown. An empty
// language reads as Japanese, the catalog's default.
func LanguagePriority(lang string) int {
	if lang == "" {
		lang = "JPN"
	}
	if p, ok := languagePriority[lang]; ok {
		return p
	}
	return unknownLanguagePriority
}

// ResolutionOption is one action the operator can take on a conflict.
type ResolutionOption struct {
	Action      string `json:"action"`
	Recommended bool   `json:"recommended"`
	Description string `json:"description"`
}

// ResolutionOptions derives the operator's choices from a detection
// result. Direct duplicates default to replacing the library copy;
// linked works are ranked by language preference.
func ResolutionOptions(res Result) []ResolutionOption {
	if !res.Found {
		return nil
	}

	if res.Kind == library.ConflictDuplicate {
		return []ResolutionOption{
			{Action: library.ResolutionKeepNew, Recommended: true, Description: "保留新作品，删除库中已有版本"},
			{Action: library.ResolutionKeepOld, Description: "保留库中版本，删除新作品"},
			{Action: library.ResolutionMerge, Description: "两个版本都入库（工作名追加(N)后缀）"},
			{Action: library.ResolutionSkip, Description: "跳过新作品，保持现状"},
		}
	}

	incoming := LanguagePriority(res.IncomingLang)
	existing := LanguagePriority(res.ExistingLang)

	switch {
	case incoming < existing:
		return []ResolutionOption{
			{Action: library.ResolutionKeepNew, Recommended: true, Description: "新作品语言优先级更高，建议替换库中版本"},
			{Action: library.ResolutionSkip, Description: "跳过新作品，保持现状"},
			{Action: library.ResolutionKeepBoth, Description: "两个版本都保留（新作品移入 _conflicts）"},
		}
	case incoming > existing:
		return []ResolutionOption{
			{Action: library.ResolutionSkip, Recommended: true, Description: "库中版本语言优先级更高，建议跳过新作品"},
			{Action: library.ResolutionKeepNew, Description: "仍然替换为新作品"},
			{Action: library.ResolutionKeepBoth, Description: "两个版本都保留（新作品移入 _conflicts）"},
		}
	default:
		return []ResolutionOption{
			{Action: library.ResolutionKeepBoth, Recommended: true, Description: "语言优先级相同，两个版本都保留"},
			{Action: library.ResolutionMergeLang, Description: "作为语言版本合并保存"},
		}
	}
}
