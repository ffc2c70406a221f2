// Package telemetry 封装 agentrelay 的 OpenTelemetry SDK 初始化，
// 为交接编排提供 TracerProvider 与 MeterProvider。
// 禁用时保持全局 noop 实现，不连接任何外部服务。
package telemetry
