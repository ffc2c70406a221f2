// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供路由建议、单 Agent 响应与并行结果的两级缓存。

# 概述

IntelligentCache 由本地 LRU（hashicorp/golang-lru）与可选的 Redis
二级缓存组成。读取先查本地，再查 Redis，Redis 命中会回填本地。
后端故障只记录日志与指标，调用方看到的永远是"命中"或"未命中"。

# 核心类型

  - IntelligentCache：两级缓存，提供 Get/Put/PutResult/Invalidate/Stats。
  - RedisTier：带键前缀的 Redis 二级缓存。
  - Entry：缓存条目，包含类别、JSON 值、创建与过期时间、命中次数。
  - Kind：条目类别（suggestion / response / parallel）。

# 键派生

SuggestionKey、ResponseKey 与 ParallelKey 对规范化后的问题文本与
去重排序后的 Agent 集合做 SHA-256，集合顺序不影响键。
*/
package cache
