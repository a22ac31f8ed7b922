package emotion

import (
	"math"
	"strings"
)

// Family 将细粒度的韵律情绪归并为少数几类，用于语气建议和文本估计。
type Family string

const (
	Neutral    Family = "neutral"
	Joy        Family = "joy"
	Excitement Family = "excitement"
	Sadness    Family = "sadness"
	Anger      Family = "anger"
	Anxiety    Family = "anxiety"
	Calmness   Family = "calmness"
)

var familyMembers = map[Family][]string{
	Joy: {
		"joy", "amusement", "contentment", "satisfaction", "love", "admiration", "adoration",
		"relief", "pride", "triumph", "gratitude", "happiness",
	},
	Excitement: {
		"excitement", "interest", "surprise (positive)", "awe", "ecstasy", "enthusiasm",
		"determination", "desire",
	},
	Sadness: {
		"sadness", "disappointment", "distress", "pain", "grief", "tiredness", "loneliness",
		"guilt", "shame", "sympathy", "empathic pain", "nostalgia",
	},
	Anger: {
		"anger", "annoyance", "contempt", "disgust", "frustration", "envy",
	},
	Anxiety: {
		"anxiety", "fear", "confusion", "doubt", "awkwardness", "horror", "embarrassment",
		"surprise (negative)",
	},
	Calmness: {
		"calmness", "concentration", "contemplation", "realization", "boredom",
	},
}

var familyTone = map[Family]string{
	Joy:        "warm and upbeat",
	Excitement: "lively and engaged",
	Sadness:    "gentle and supportive",
	Anger:      "calm and de-escalating",
	Anxiety:    "reassuring and clear",
	Calmness:   "relaxed and even",
}

var memberFamily = func() map[string]Family {
	index := make(map[string]Family)
	for family, members := range familyMembers {
		for _, name := range members {
			index[name] = family
		}
	}
	return index
}()

// FamilyOf 返回情绪名所属的类别，未知名称归为 Neutral。
func FamilyOf(name string) Family {
	if family, ok := memberFamily[strings.ToLower(strings.TrimSpace(name))]; ok {
		return family
	}
	return Neutral
}

// ToneFor 返回与情绪类别匹配的回复语气，未知情绪返回空串。
func ToneFor(name string) string {
	return familyTone[FamilyOf(name)]
}

var keywordBuckets = map[Family][]string{
	Joy: {
		"开心", "高兴", "快乐", "太好了", "太棒了", "哈哈", "happy", "glad", "great", "awesome",
		"thanks", "thank you", "love", "wonderful", "lol",
	},
	Excitement: {
		"期待", "激动", "惊喜", "哇塞", "can't wait", "cannot wait", "wow", "amazing",
		"incredible", "excited", "unbelievable",
	},
	Sadness: {
		"难过", "伤心", "失落", "沮丧", "孤单", "失望", "sad", "unhappy", "depressed", "lonely",
		"upset", "hurt", "miss", "cry",
	},
	Anger: {
		"生气", "愤怒", "受够了", "气死", "angry", "furious", "mad", "annoyed", "hate",
		"ridiculous", "fed up",
	},
	Anxiety: {
		"担心", "害怕", "紧张", "焦虑", "worried", "nervous", "anxious", "scared", "afraid",
		"not sure", "confused",
	},
	Calmness: {
		"平静", "放松", "慢慢", "calm", "relaxed", "peaceful", "fine", "okay",
	},
}

// keywordWeight is the score contributed by one keyword hit.
const keywordWeight = 0.3

// EstimateFromText 在语音端未提供韵律得分时，根据转写文本的关键词粗略估计情绪。
// 返回的名称是各类别的代表情绪，得分位于 (0,1]。
func EstimateFromText(text string) map[string]float64 {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return nil
	}

	hits := make(map[Family]int)
	for family, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				hits[family]++
			}
		}
	}

	if exclamations := strings.Count(text, "!") + strings.Count(text, "！"); exclamations > 0 {
		hits[Excitement] += exclamations
	}

	if len(hits) == 0 {
		return nil
	}

	scores := make(map[string]float64, len(hits))
	for family, n := range hits {
		scores[string(family)] = math.Min(1, float64(n)*keywordWeight)
	}
	return scores
}
