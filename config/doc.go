// Package config 提供 streamtap 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序加载，
// 环境变量名为 <前缀>_<段>_<字段>，例如 STREAMTAP_PROVIDER_BASE_URL。
package config
