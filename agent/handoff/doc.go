// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 handoff 负责在多个专长 Agent 之间编排对话交接。

# 概述

一次对话在任意时刻只由一个 Agent 处理。handoff 决定下一轮该由谁处理，
检查来源 Agent 是否有权交给目标 Agent，把对话上下文移交过去，并记录
交接栈以便撤销。一个问题也可以同时交给多个 Agent，再把回答合并。

# 核心类型

  - Registry：Agent 注册表，保存能力标签与动态权限
  - SecurityPolicy：三级权限解析（动态 → 静态配置 → 全局默认），黑名单优先
  - ContextAnalyzer：基于关键词表与算式识别的路由建议，可走缓存
  - Orchestrator：标准 / 智能 / 混合交接、撤销、并行与单 Agent 调用
  - ParallelManager：errgroup + semaphore 并发扇出，单个失败互不影响
  - Directive：Agent 回答中的 [[handoff:<id> {...}]] 显式交接指令
  - Result / ParallelResult：所有操作的结果对象，失败时带稳定的 ErrorKind

# 交接栈

交接时压入来源 Agent，撤销时弹出并恢复为活动 Agent。栈为空或撤销次数
达到 handoff.max_reversals 时返回 NO_HANDOFF_TO_REVERSE。

# 与其他包协同

对话状态由 agent/persistence 保存；缓存由 internal/cache 提供；
指标写入 internal/metrics；远程 Agent 通过 agent/remote 调用。
*/
package handoff
