// internal/model/campaign.go
package model

import (
    "github.com/go-playground/validator/v10"
)

var inputValidate = validator.New()

// Brand carries the fields every template receives regardless of tier.
type Brand struct {
    Name          string `json:"brand_name" yaml:"brand_name" validate:"required"`
    AppName       string `json:"app_name" yaml:"app_name"`
    AppStoreLink  string `json:"appstore_link" yaml:"appstore_link" validate:"omitempty,url"`
    PlayStoreLink string `json:"playstore_link" yaml:"playstore_link" validate:"omitempty,url"`
    PortalURL     string `json:"website_portal" yaml:"website_portal" validate:"omitempty,url"`
    CTAURL        string `json:"cta_url" yaml:"cta_url" validate:"omitempty,url"`
    LaunchDate    string `json:"launch_date" yaml:"launch_date"`
}

// CampaignInput identifies one run. It never changes once the run starts.
type CampaignInput struct {
    RosterSourceID string `json:"roster_source_id" yaml:"roster_source_id" validate:"required"`
    Brand          Brand  `json:"brand" yaml:"brand" validate:"required"`
}

// TemplateData returns the brand fields as dynamic template data.
func (in CampaignInput) TemplateData() map[string]any {
    return map[string]any{
        "brand_name":     in.Brand.Name,
        "app_name":       in.Brand.AppName,
        "appstore_link":  in.Brand.AppStoreLink,
        "playstore_link": in.Brand.PlayStoreLink,
        "website_portal": in.Brand.PortalURL,
        "cta_url":        in.Brand.CTAURL,
        "launch_date":    in.Brand.LaunchDate,
    }
}

// Validate checks the input before a run is created.
func (in CampaignInput) Validate() error {
    return inputValidate.Struct(in)
}
