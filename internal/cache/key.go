package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
)

// Kind 缓存条目类别
type Kind string

const (
	KindSuggestion Kind = "suggestion"
	KindResponse   Kind = "response"
	KindParallel   Kind = "parallel"
)

// Normalize 规范化查询文本：小写、折叠空白、去掉末尾标点。
// 语义相同但书写略有差异的问题会得到同一个键。
func Normalize(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	joined := strings.Join(fields, " ")
	return strings.TrimRightFunc(joined, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// SuggestionKey 路由建议缓存键；scope 用于区分影响路由结果的上下文（如注册表指纹）
func SuggestionKey(text, agentID string, scope ...string) string {
	return derive(KindSuggestion, text, append([]string{agentID}, scope...))
}

// ResponseKey 单 Agent 响应缓存键
func ResponseKey(text, agentID string) string {
	return derive(KindResponse, text, []string{agentID})
}

// ParallelKey 并行执行结果缓存键，与 ids 的顺序和重复无关
func ParallelKey(text string, ids []string) string {
	return derive(KindParallel, text, ids)
}

func derive(kind Kind, text string, ids []string) string {
	set := dedupeSorted(ids)

	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(text)))
	for _, id := range set {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return string(kind) + ":" + hex.EncodeToString(h.Sum(nil))
}

func dedupeSorted(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
