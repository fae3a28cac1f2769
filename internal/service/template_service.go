// internal/service/template_service.go
package service

import (
    "github.com/unclebandit/broker-notify/internal/model"
)

// TemplateData merges the brand fields with tier specific values. Tier
// values win over brand values with the same key.
func TemplateData(input model.CampaignInput, extra map[string]any) map[string]any {
    data := input.TemplateData()
    for k, v := range extra {
        data[k] = v
    }
    return data
}

func brokerTemplateData(input model.CampaignInput, brokerID int, clientIDs []int, clientNames []string) map[string]any {
    return TemplateData(input, map[string]any{
        "broker_id":    brokerID,
        "client_ids":   clientIDs,
        "client_names": clientNames,
    })
}

func clientTemplateData(input model.CampaignInput, clientID int) map[string]any {
    return TemplateData(input, map[string]any{
        "client_id": clientID,
    })
}

func memberTemplateData(input model.CampaignInput, clientID int, inviteURL string) map[string]any {
    extra := map[string]any{"client_id": clientID}
    if inviteURL != "" {
        extra["invite_url"] = inviteURL
    }
    return TemplateData(input, extra)
}
