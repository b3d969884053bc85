package provider

import (
	"github.com/classmind/kbengine/pkg/config"
)

// Default vendor endpoints. Config providers override per vendor.
var vendorBaseURLs = map[string]string{
	"dashscope":  "https://dashscope.aliyuncs.com/compatible-mode/v1",
	"volcengine": "https://ark.cn-beijing.volces.com/api/v3",
	"moonshot":   "https://api.moonshot.cn/v1",
	"hunyuan":    "https://api.hunyuan.cloud.tencent.com/v1",
	"deepseek":   "https://api.deepseek.com/v1",
}

// BuildRoutes maps logical aliases to vendor routes from configured
// credentials. Only vendors with an API key become routes, so a
// partially configured deployment degrades to fewer aliases rather
// than failing calls with missing-key errors.
func BuildRoutes(cfg *config.Config) map[string][]Route {
	vendor := func(name string) (Route, bool) {
		pc, ok := cfg.Providers[name]
		if !ok || pc.APIKey == "" {
			return Route{}, false
		}
		base := pc.BaseURL
		if base == "" {
			base = vendorBaseURLs[name]
		}
		return Route{Vendor: name, APIKey: pc.APIKey, BaseURL: base}, true
	}

	routes := map[string][]Route{}
	add := func(alias string, r Route) {
		routes[alias] = append(routes[alias], r)
	}

	if r, ok := vendor("dashscope"); ok {
		r.EmbedModel = "text-embedding-v3"
		r.ChatModel = "qwen-plus"
		r.RerankModel = "gte-rerank-v2"
		r.VisionModel = "qwen-vl-plus"
		add("qwen", r)
	}
	if r, ok := vendor("deepseek"); ok {
		r.ChatModel = "deepseek-chat"
		add("deepseek", r)
	}
	if r, ok := vendor("volcengine"); ok {
		ds := r
		ds.ChatModel = "deepseek-v3-250324"
		add("deepseek", ds)

		db := r
		db.ChatModel = "doubao-1-5-pro-32k-250115"
		db.VisionModel = "doubao-1-5-vision-pro-32k-250115"
		add("doubao", db)
	}
	if r, ok := vendor("moonshot"); ok {
		r.ChatModel = "moonshot-v1-8k"
		add("kimi", r)
	}
	if r, ok := vendor("hunyuan"); ok {
		r.ChatModel = "hunyuan-turbo"
		add("hunyuan", r)
	}
	if cfg.DifyAPIKey != "" && cfg.DifyBaseURL != "" {
		add("dify", Route{
			Vendor:  "dify",
			APIKey:  cfg.DifyAPIKey,
			BaseURL: cfg.DifyBaseURL,
		})
	}

	return routes
}

// embedBatchSize returns how many texts one embedding call may carry.
// The v4 embedding family caps batches at 10; everything else at 25.
func embedBatchSize(model string) int {
	if isV4Family(model) {
		return 10
	}
	return 25
}

func isV4Family(model string) bool {
	return len(model) >= 2 && model[len(model)-2:] == "v4"
}
