// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 agentrelay HTTP 服务的生命周期。

# 核心类型

  - Manager：持有 http.Server 与 net.Listener，提供 Start/Run/Shutdown。
  - Config：监听地址与各类超时，可由 config.ServerConfig 通过
    FromServerConfig 生成。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中服务。
  - Run 阻塞直到 context 取消或服务出错，随后优雅关闭。
  - Addr 在启动后返回实际绑定地址（支持 :0 随机端口）。
*/
package server
