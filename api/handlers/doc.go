// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 agentrelay HTTP API 的请求处理器实现。

# 概述

所有 Handler 均遵循标准 net/http 接口，使用 Go 1.22 的方法路由
（"POST /v1/handoff"）。响应统一为 Response 信封：
success + data + error + timestamp + request_id。交接类操作失败时
data 仍保留完整结果（例如并行咨询的逐个 Agent 响应）。

# 核心类型

  - HandoffHandler — 交接、智能/混合交接、回退、并行咨询、单 Agent 调用、
    Agent 列表与权限查询、会话历史与清理
  - HealthHandler  — /health 活跃度与 /ready 就绪检查
  - PingCheck      — 将会话存储、缓存、数据库的 Ping 适配为 HealthCheck
  - Response / ErrorInfo — 统一 JSON 响应结构

# 错误码映射

	INVALID_REQUEST        → 400
	PERMISSION_DENIED      → 403
	AGENT_NOT_FOUND        → 404
	NO_HANDOFF_TO_REVERSE  → 409
	NO_VALID_TARGET        → 422
	UPSTREAM_ERROR         → 502
	TIMEOUT                → 504
	INTERNAL_ERROR         → 500
*/
package handlers
