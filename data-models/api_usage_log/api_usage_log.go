package api_usage_log

import "api-marketplace/service"

type GetUsageStatsInput struct {
	GroupBy string `query:"group_by" enum:"api_id,user_id,endpoint_id" default:"api_id" doc:"Group by 'api_id', 'user_id' or 'endpoint_id'"`
}

type UsageStatsResponse struct {
	Body []service.StatsResult `json:"stats"`
}
