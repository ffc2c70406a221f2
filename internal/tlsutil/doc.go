// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package tlsutil 为远程 Agent 调用构建加固的 HTTP 传输层：
// TLS 1.2+、仅 AEAD 密码套件，可选额外 CA、mTLS 客户端证书。
package tlsutil
