package store

import (
	"encoding/json"

	"github.com/cif-go/cifstore/internal/indicator"
	"github.com/cif-go/cifstore/internal/models"
	"gorm.io/datatypes"
)

func toRow(ind indicator.Indicator) models.Indicator {
	tags := ind.Tags
	if tags == nil {
		tags = indicator.Tags{}
	}
	payload, _ := json.Marshal([]string(tags))
	return models.Indicator{
		UUID:        ind.ID,
		Indicator:   ind.Indicator,
		Itype:       string(ind.Itype),
		Provider:    ind.Provider,
		GroupName:   ind.Group,
		TagsKey:     tags.Key(),
		Tags:        datatypes.JSON(payload),
		Confidence:  ind.Confidence,
		Rdata:       ind.Rdata,
		Count:       max(ind.Count, 1),
		Description: ind.Description,
		Reference:   ind.Reference,
		TLP:         ind.TLP,
		FirstTime:   ind.FirstTime,
		LastTime:    ind.LastTime,
		ReportTime:  ind.ReportTime,
	}
}

func fromRow(row models.Indicator) indicator.Indicator {
	var tags []string
	if len(row.Tags) > 0 {
		_ = json.Unmarshal(row.Tags, &tags)
	}
	if tags == nil {
		tags = []string{}
	}
	return indicator.Indicator{
		ID:          row.UUID,
		Indicator:   row.Indicator,
		Itype:       indicator.Itype(row.Itype),
		Tags:        indicator.Tags(tags),
		Provider:    row.Provider,
		Group:       row.GroupName,
		Confidence:  row.Confidence,
		FirstTime:   row.FirstTime.UTC(),
		LastTime:    row.LastTime.UTC(),
		ReportTime:  row.ReportTime.UTC(),
		Rdata:       row.Rdata,
		Count:       row.Count,
		Description: row.Description,
		Reference:   row.Reference,
		TLP:         row.TLP,
	}
}
