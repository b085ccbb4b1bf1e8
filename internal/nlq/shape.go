package nlq

// ShapeResult tags a result as scalar, table or empty for the admin UI.
func ShapeResult(columns []string, rows []map[string]any) map[string]any {
	out := map[string]any{
		"columns": columns,
		"rows":    rows,
	}
	switch {
	case len(rows) == 0:
		out["kind"] = "empty"
	case len(rows) == 1 && len(columns) == 1:
		out["value"] = rows[0][columns[0]]
		out["kind"] = "scalar"
	default:
		out["kind"] = "table"
	}
	return out
}
