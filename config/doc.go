// Package config 提供 agentrelay 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序加载并校验；
// Watcher 轮询配置文件，变更后把重新校验过的配置交给回调，
// 服务端用它热更新交接权限。
package config
