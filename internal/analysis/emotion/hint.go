package emotion

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf8"
)

// Format 控制情绪提示的呈现方式。
type Format string

const (
	// FormatText 仅输出 "name (score)" 列表。
	FormatText Format = "text"
	// FormatGuided 在列表后追加针对首要情绪的语气建议。
	FormatGuided Format = "guided"
)

const (
	DefaultThreshold = 0.2
	DefaultTopN      = 3
	DefaultMaxLength = 200
	MinMaxLength     = 80

	// NeutralHint 在没有情绪超过阈值时使用。
	NeutralHint = "[Voice emotion analysis: neutral, no strong emotion detected]"

	hintPrefix   = "[Voice emotion analysis: "
	hintSuffix   = "]"
	maxNameRunes = 32
)

// Options 描述情绪提示的筛选与长度约束。MaxLength 以字符(rune)计。
type Options struct {
	Threshold float64 `yaml:"threshold"`
	TopN      int     `yaml:"top_n"`
	MaxLength int     `yaml:"max_length"`
	Format    Format  `yaml:"format"`
}

// DefaultOptions 返回默认配置。
func DefaultOptions() Options {
	return Options{
		Threshold: DefaultThreshold,
		TopN:      DefaultTopN,
		MaxLength: DefaultMaxLength,
		Format:    FormatText,
	}
}

func (o Options) normalized() Options {
	if o.Threshold < 0 || math.IsNaN(o.Threshold) {
		o.Threshold = 0
	}
	if o.TopN <= 0 {
		o.TopN = DefaultTopN
	}
	if o.MaxLength <= 0 {
		o.MaxLength = DefaultMaxLength
	}
	if o.MaxLength < MinMaxLength {
		o.MaxLength = MinMaxLength
	}
	if o.Format != FormatGuided {
		o.Format = FormatText
	}
	return o
}

// Score 是单个情绪及其得分。
type Score struct {
	Name  string
	Value float64
}

// Rank 返回得分不低于阈值的情绪，按得分降序、名称升序排列。
// 非数值得分与空名称会被忽略，得分截断到 [0,1]。
func Rank(scores map[string]float64, threshold float64) []Score {
	ranked := make([]Score, 0, len(scores))
	for name, value := range scores {
		name = strings.TrimSpace(name)
		if name == "" || math.IsNaN(value) {
			continue
		}
		value = math.Max(0, math.Min(1, value))
		if value <= 0 || value < threshold {
			continue
		}
		ranked = append(ranked, Score{Name: name, Value: value})
	}
	slices.SortFunc(ranked, func(a, b Score) int {
		if c := cmp.Compare(b.Value, a.Value); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return ranked
}

// BuildHint 将原始情绪得分转换为附加到系统提示中的简短说明。
// 纯函数：相同输入总是得到相同输出。
func BuildHint(scores map[string]float64, opts Options) string {
	opts = opts.normalized()

	// 截断后同名的情绪只保留排名最高的一个
	ranked := make([]Score, 0, opts.TopN)
	seen := make(map[string]struct{}, opts.TopN)
	for _, s := range Rank(scores, opts.Threshold) {
		if len(ranked) == opts.TopN {
			break
		}
		name := truncateRunes(s.Name, maxNameRunes)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		ranked = append(ranked, Score{Name: name, Value: s.Value})
	}
	if len(ranked) == 0 {
		return NeutralHint
	}

	pairs := make([]string, len(ranked))
	for i, s := range ranked {
		pairs[i] = fmt.Sprintf("%s (%.2f)", s.Name, s.Value)
	}

	hint := renderPairs(pairs)
	for utf8.RuneCountInString(hint) > opts.MaxLength && len(pairs) > 1 {
		pairs = pairs[:len(pairs)-1]
		hint = renderPairs(pairs)
	}

	if opts.Format == FormatGuided {
		if tone := ToneFor(ranked[0].Name); tone != "" {
			guided := hint + " Suggested tone: " + tone + "."
			if utf8.RuneCountInString(guided) <= opts.MaxLength {
				hint = guided
			}
		}
	}
	return hint
}

func renderPairs(pairs []string) string {
	return hintPrefix + strings.Join(pairs, ", ") + hintSuffix
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
