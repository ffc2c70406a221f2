// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接池管理，支持多方言打开、
健康检查与事务重试。

# 概述

Open 按 config.DatabaseConfig 的驱动名选择 postgres、mysql 或
sqlite（纯 Go 实现）方言，随后交给 PoolManager 管理连接池。
SQL 会话存储通过 PoolManager 的事务接口读写会话状态。

# 核心类型

  - PoolManager：连接池管理器，提供 DB()、Dialect()、Ping()、
    Stats()、Close() 与事务方法。
  - PoolConfig：连接池配置。SQLite 固定为单连接。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 健康检查：后台定时 PingContext 探活。
  - 事务管理：WithTransaction 单次执行，WithTransactionRetry
    对死锁、序列化失败与 SQLite 写锁竞争做指数退避重试。
*/
package database
