// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 remote 通过 HTTP 调用远程 Agent，实现 handoff.Invoker。

每个在配置中声明了 endpoint 的 Agent 拥有独立的超时与令牌桶
限流器（golang.org/x/time/rate）。请求体为 JSON：

	{"agent_id": "...", "message": "...", "conversation_id": "...", "history": [...]}

响应取 response 字段（兼容 content）。HTTP 404 映射为
AGENT_NOT_FOUND，429 与 5xx 映射为可重试的 UPSTREAM_ERROR，
超时与限流等待失败映射为 TIMEOUT。未配置 endpoint 的 Agent
可通过 WithFallback 交给本地 Invoker 处理。
*/
package remote
