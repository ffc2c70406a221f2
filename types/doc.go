// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 agentrelay 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 handoff、persistence、
remote 与 cmd 提供统一的类型契约，以避免循环依赖。

# 核心类型

  - Message           — 对话消息（Role、Content、AgentID、Timestamp）
  - Error / ErrorCode — 结构化错误体系，交接失败的稳定错误类别
    （PERMISSION_DENIED、AGENT_NOT_FOUND、NO_HANDOFF_TO_REVERSE、
    UPSTREAM_ERROR、NO_VALID_TARGET）

# 主要能力

  - Context 传播：WithTraceID / WithRequestID / WithConversationID / WithAgentID
  - 错误工具链：GetErrorCode / IsCode / IsRetryable
*/
package types
