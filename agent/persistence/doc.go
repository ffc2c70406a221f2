// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供会话状态的持久化存储抽象及多后端实现。

# 概述

每个会话 ID 对应一份 ConversationState：有序消息列表、交接栈
（此前处于活动状态的 Agent，最近的在末尾）、撤销计数与当前活动 Agent。
状态机为 UNINITIALIZED → ACTIVE（首次 FindOrCreate）→ DELETED（终态，
仅由 Delete 到达，之后的任何操作返回 ErrConversationDeleted）。

# 核心接口

  - Store：所有存储的基础接口，提供 Close 和 Ping 健康检查。
  - ConversationStore：会话状态接口，支持消息追加、最近消息查询、
    交接栈 Push/Pop、撤销计数与删除。空栈 Pop 返回 ErrNoHandoffToReverse。

# 后端实现

  - Memory：内存实现，适合开发与测试，重启后数据丢失。
  - Redis：每个会话一个 JSON 文档，变更使用 WATCH/MULTI 乐观事务。
  - SQL：基于 GORM（sqlite / postgres / mysql），变更在事务内锁行执行。
  - Noop：接受所有写入但不保存任何内容。

# 使用方式

	store, err := persistence.NewConversationStore(ctx, config, persistence.Backends{
	    Redis: redisClient,
	    DB:    pool,
	})
*/
package persistence
