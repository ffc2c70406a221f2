package handoff

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/sapiensly/agentrelay/config"
	"github.com/sapiensly/agentrelay/internal/cache"
	"github.com/sapiensly/agentrelay/internal/metrics"
	"github.com/sapiensly/agentrelay/types"
)

// =============================================================================
// 🧭 上下文分析器
// =============================================================================

const (
	keywordWeight    = 1.0
	phraseWeight     = 2.0
	mentionWeight    = 2.0
	arithmeticWeight = 2.0

	// tieEpsilon 两个领域得分差在此范围内视为平局
	tieEpsilon = 0.05
	// stayConfidence 建议留在当前 Agent 时报告的置信度
	stayConfidence = 0.5
	// contextDiscount 仅靠历史消息得出的建议打折
	contextDiscount = 0.8

	defaultMinConfidence = 0.3
)

// defaultLexicon 内置领域词表，键为能力标签
var defaultLexicon = map[string][]string{
	"mathematics": {
		"math", "maths", "mathematics", "calculate", "calculation", "compute", "sum", "plus",
		"minus", "multiply", "times", "divide", "divided", "equation", "algebra", "geometry",
		"integral", "derivative", "percent", "percentage", "arithmetic", "fraction",
		"square root", "prime number",
	},
	"history": {
		"history", "historical", "war", "century", "empire", "ancient", "revolution",
		"dynasty", "king", "queen", "emperor", "civilization", "medieval",
		"world war", "cold war", "roman empire",
	},
	"science": {
		"science", "physics", "chemistry", "biology", "atom", "molecule", "experiment",
		"energy", "gravity", "cell", "evolution", "quantum",
		"periodic table", "speed of light",
	},
	"programming": {
		"code", "coding", "programming", "program", "function", "bug", "compile",
		"python", "golang", "javascript", "debug", "algorithm", "api", "refactor",
		"stack trace", "unit test",
	},
	"writing": {
		"write", "essay", "poem", "story", "grammar", "summarize", "summary", "draft",
		"proofread", "paragraph",
		"cover letter",
	},
}

var arithmeticPattern = regexp.MustCompile(`\d+(?:\.\d+)?\s*(?:[-+*/^×÷]|plus|minus|times|divided by)\s*\d+`)

// ContextAnalyzer 根据问题文本推荐处理它的 Agent。
//
// 每个能力标签有一张关键词表（内置词表 + handoff.keywords 配置 + 标签本身）。
// 得分 = 加权命中 / sqrt(词数)，截断到 [0,1]。只考虑至少有一个已注册
// Agent 声明的能力。
type ContextAnalyzer struct {
	registry      *Registry
	keywords      map[string][]string
	phrases       map[string][]string
	minConfidence float64
	cache         *cache.IntelligentCache
	cacheTTL      time.Duration
	metrics       *metrics.Collector
	logger        *zap.Logger
}

// AnalyzerOption 配置分析器
type AnalyzerOption func(*ContextAnalyzer)

// WithAnalyzerCache 使用 c 缓存路由建议
func WithAnalyzerCache(c *cache.IntelligentCache, ttl time.Duration) AnalyzerOption {
	return func(a *ContextAnalyzer) {
		a.cache = c
		a.cacheTTL = ttl
	}
}

// WithAnalyzerMetrics 记录建议指标
func WithAnalyzerMetrics(m *metrics.Collector) AnalyzerOption {
	return func(a *ContextAnalyzer) {
		a.metrics = m
	}
}

// NewContextAnalyzer 创建分析器
func NewContextAnalyzer(registry *Registry, cfg config.HandoffConfig, logger *zap.Logger, opts ...AnalyzerOption) *ContextAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &ContextAnalyzer{
		registry:      registry,
		keywords:      make(map[string][]string),
		phrases:       make(map[string][]string),
		minConfidence: cfg.MinConfidence,
		logger:        logger.With(zap.String("component", "context_analyzer")),
	}
	if a.minConfidence <= 0 {
		a.minConfidence = defaultMinConfidence
	}

	for tag, words := range defaultLexicon {
		a.addKeywords(tag, words)
	}
	for tag, words := range cfg.Keywords {
		a.addKeywords(tag, words)
	}

	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *ContextAnalyzer) addKeywords(tag string, words []string) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return
	}
	for _, w := range words {
		w = strings.Join(tokenize(w), " ")
		if w == "" {
			continue
		}
		if strings.Contains(w, " ") {
			a.phrases[tag] = appendUnique(a.phrases[tag], w)
		} else {
			a.keywords[tag] = appendUnique(a.keywords[tag], w)
		}
	}
}

// Suggest 推荐处理 text 的 Agent。
//
// TargetAgentID 为空表示留在 currentAgentID（置信度固定 0.5）。两个领域
// 平分秋色时返回 Parallel 建议，Candidates 为两个领域各自的 Agent。
// 文本本身不足以判断时才参考 hc 中最近的用户消息。缓存只保存仅由文本
// 得出的建议，命中"留下"建议时仍会参考 hc。
func (a *ContextAnalyzer) Suggest(ctx context.Context, text, currentAgentID, conversationID string, hc Context) (*Suggestion, error) {
	if strings.TrimSpace(text) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "question text is required")
	}

	key := cache.SuggestionKey(text, currentAgentID, a.fingerprint())
	var s *Suggestion
	var cached Suggestion
	if a.cache.Get(ctx, key, &cached) {
		a.metrics.RecordSuggestion("cached")
		s = &cached
	} else {
		s = a.analyze(text, currentAgentID)
		a.cache.Put(ctx, key, cache.KindSuggestion, s, a.cacheTTL)
	}

	if s.TargetAgentID == "" && !s.Parallel {
		if fromHistory := a.fromContext(text, currentAgentID, hc); fromHistory != nil {
			a.record(conversationID, fromHistory)
			return fromHistory, nil
		}
	}

	a.record(conversationID, s)
	return s, nil
}

func (a *ContextAnalyzer) record(conversationID string, s *Suggestion) {
	kind := "specialist"
	switch {
	case s.Parallel:
		kind = "parallel"
	case s.TargetAgentID == "":
		kind = "stay"
	}
	a.metrics.RecordSuggestion(kind)
	a.logger.Debug("routing suggestion",
		zap.String("conversation_id", conversationID),
		zap.String("kind", kind),
		zap.String("target", s.TargetAgentID),
		zap.Float64("confidence", s.Confidence),
		zap.Strings("capabilities", s.RequiredCapabilities),
	)
}

func (a *ContextAnalyzer) fingerprint() string {
	if a.registry == nil {
		return ""
	}
	return a.registry.Fingerprint()
}

// fromContext 对最近一条不同于 text 的用户消息重新评分
func (a *ContextAnalyzer) fromContext(text, current string, hc Context) *Suggestion {
	for i := len(hc.Messages) - 1; i >= 0; i-- {
		msg := hc.Messages[i]
		if msg.Role != types.RoleUser || strings.TrimSpace(msg.Content) == "" || msg.Content == text {
			continue
		}
		s := a.analyze(msg.Content, current)
		if s.TargetAgentID == "" || s.Parallel {
			return nil
		}
		s.Confidence *= contextDiscount
		if s.Confidence < a.minConfidence {
			return nil
		}
		s.Reason += " (from conversation context)"
		return s
	}
	return nil
}

type domainScore struct {
	tag   string
	score float64
	hits  []string
}

func (a *ContextAnalyzer) analyze(text, current string) *Suggestion {
	scores := a.score(text)
	if len(scores) == 0 || scores[0].score <= 0 {
		return stay("no capability keywords matched")
	}

	best := scores[0]
	var second domainScore
	if len(scores) > 1 {
		second = scores[1]
	}

	if second.score >= a.minConfidence && best.score-second.score <= tieEpsilon {
		first, other := a.pickAgent(best.tag, current), a.pickAgent(second.tag, current)
		if first != other {
			candidates := []string{first, other}
			sort.Strings(candidates)
			return &Suggestion{
				Confidence:           round(best.score),
				Reason:               fmt.Sprintf("question spans %s and %s equally", best.tag, second.tag),
				RequiredCapabilities: normalizeTags([]string{best.tag, second.tag}),
				Parallel:             true,
				Candidates:           candidates,
			}
		}
	}

	confidence := clamp(best.score - second.score/2)
	if confidence < a.minConfidence {
		return stay(fmt.Sprintf("best match %s below confidence floor (%.2f)", best.tag, confidence))
	}

	return &Suggestion{
		TargetAgentID:        a.pickAgent(best.tag, current),
		Confidence:           round(confidence),
		Reason:               fmt.Sprintf("matched %s: %s", best.tag, strings.Join(best.hits, ", ")),
		RequiredCapabilities: []string{best.tag},
	}
}

// score 返回按得分降序（同分按标签）排列的领域得分
func (a *ContextAnalyzer) score(text string) []domainScore {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	joined := " " + strings.Join(tokens, " ") + " "
	lower := strings.ToLower(text)

	weights := make(map[string]float64)
	hits := make(map[string][]string)
	add := func(tag string, w float64, hit string) {
		weights[tag] += w
		hits[tag] = appendUnique(hits[tag], hit)
	}

	served := a.servedTags()
	for tag := range served {
		for _, tok := range tokens {
			if tok == tag || containsString(a.keywords[tag], tok) {
				add(tag, keywordWeight, tok)
			}
		}
		for _, phrase := range a.phrases[tag] {
			if strings.Contains(joined, " "+phrase+" ") {
				add(tag, phraseWeight, phrase)
			}
		}
	}

	if _, ok := served["mathematics"]; ok && arithmeticPattern.MatchString(lower) {
		add("mathematics", arithmeticWeight, "arithmetic expression")
	}

	if a.registry != nil {
		for _, id := range a.registry.IDs() {
			if !containsString(tokens, strings.ToLower(id)) {
				continue
			}
			for _, tag := range a.registry.Capabilities(id) {
				add(tag, mentionWeight, id)
			}
		}
	}

	norm := math.Sqrt(float64(len(tokens)))
	out := make([]domainScore, 0, len(weights))
	for tag, w := range weights {
		out = append(out, domainScore{tag: tag, score: clamp(w / norm), hits: hits[tag]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].tag < out[j].tag
	})
	return out
}

// servedTags 至少有一个已注册 Agent 声明的能力
func (a *ContextAnalyzer) servedTags() map[string]struct{} {
	out := make(map[string]struct{})
	if a.registry == nil {
		return out
	}
	for _, tag := range a.registry.AllCapabilities() {
		out[strings.ToLower(tag)] = struct{}{}
	}
	return out
}

// pickAgent 选出声明 tag 的 Agent，优先不是当前 Agent 的那个，同条件按 id 排序
func (a *ContextAnalyzer) pickAgent(tag, current string) string {
	ids := a.registry.FindByCapability(tag)
	for _, id := range ids {
		if id != current {
			return id
		}
	}
	if len(ids) > 0 {
		return ids[0]
	}
	return ""
}

func stay(reason string) *Suggestion {
	return &Suggestion{Confidence: stayConfidence, Reason: reason}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func appendUnique(list []string, s string) []string {
	if containsString(list, s) {
		return list
	}
	return append(list, s)
}
