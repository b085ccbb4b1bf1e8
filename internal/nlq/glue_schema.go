package nlq

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/samber/lo"
)

type GlueClient interface {
	GetTable(ctx context.Context, params *glue.GetTableInput, optFns ...func(*glue.Options)) (*glue.GetTableOutput, error)
}

type TableSchema struct {
	Database   string
	Table      string
	Location   string
	Columns    []Column
	Partitions []Column
}

type Column struct {
	Name string
	Type string
}

func glueColumns(cols []gluetypes.Column) []Column {
	out := lo.Map(cols, func(c gluetypes.Column, _ int) Column {
		return Column{
			Name: aws.ToString(c.Name),
			Type: strings.ToLower(strings.TrimSpace(aws.ToString(c.Type))),
		}
	})
	// Sorted so the prompt, and with it the cache key, does not depend on Glue's order.
	slices.SortFunc(out, func(a, b Column) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// LoadTableSchema reads the table definition the model is allowed to query.
func LoadTableSchema(ctx context.Context, c GlueClient, database, table string) (*TableSchema, error) {
	if strings.TrimSpace(database) == "" || strings.TrimSpace(table) == "" {
		return nil, errors.New("glue database and table are required")
	}
	out, err := c.GetTable(ctx, &glue.GetTableInput{DatabaseName: aws.String(database), Name: aws.String(table)})
	if err != nil {
		return nil, fmt.Errorf("describe %s.%s: %w", database, table, err)
	}
	if out.Table == nil {
		return nil, fmt.Errorf("describe %s.%s: no table returned", database, table)
	}

	schema := &TableSchema{
		Database:   database,
		Table:      aws.ToString(out.Table.Name),
		Partitions: glueColumns(out.Table.PartitionKeys),
	}
	if sd := out.Table.StorageDescriptor; sd != nil {
		schema.Location = aws.ToString(sd.Location)
		schema.Columns = glueColumns(sd.Columns)
	}
	return schema, nil
}

// CompactSchemaText returns a prompt-ready schema block, e.g.:
//
//	DATABASE survey_analytics
//	TABLE survey_metrics (
//	  answers bigint,
//	  ...
//	)
//	PARTITIONED BY (dt date, shop_id string)
func CompactSchemaText(s *TableSchema) string {
	typed := func(c Column, _ int) string { return c.Name + " " + c.Type }

	lines := []string{"DATABASE " + s.Database, "TABLE " + s.Table + " ("}
	if len(s.Columns) > 0 {
		lines = append(lines, "  "+strings.Join(lo.Map(s.Columns, typed), ",\n  "))
	}
	lines = append(lines, ")")
	if len(s.Partitions) > 0 {
		lines = append(lines, "PARTITIONED BY ("+strings.Join(lo.Map(s.Partitions, typed), ", ")+")")
	}
	if s.Location != "" {
		lines = append(lines, "LOCATION "+s.Location)
	}
	return strings.Join(lines, "\n") + "\n"
}
