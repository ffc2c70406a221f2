// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 agentrelay 服务端程序入口。

# 概述

cmd/agentrelay 把交接编排器暴露为 HTTP 服务：加载 YAML 配置，
按配置装配会话存储（memory / redis / sql / noop）、智能缓存
（本地 LRU + 可选 Redis 二级）、Agent 注册表与远程调用客户端，
然后通过 internal/server.Manager 运行到收到 SIGINT/SIGTERM。

# 核心类型

  - Server     — 持有全部组件，负责装配、运行与释放
  - Middleware — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    MetricsMiddleware、RequestLogger、CORS、RateLimiter（基于 IP）、
    APIKeyAuth（X-API-Key 或 Bearer）
  - 端点：/v1/* 交接 API、/health、/ready、/version、/metrics
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
