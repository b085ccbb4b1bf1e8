package shopify

import "strings"

const (
	customerGIDPrefix = "gid://shopify/Customer/"
	orderGIDPrefix    = "gid://shopify/Order/"
)

// CustomerGID accepts a numeric id or a gid and returns the gid form.
func CustomerGID(id string) string { return toGID(customerGIDPrefix, id) }

// OrderGID accepts a numeric id or a gid and returns the gid form.
func OrderGID(id string) string { return toGID(orderGIDPrefix, id) }

func toGID(prefix, id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "gid://") {
		return id
	}
	return prefix + id
}

// LegacyID returns the trailing numeric segment of a gid.
func LegacyID(gid string) string {
	if i := strings.LastIndex(gid, "/"); i >= 0 {
		return gid[i+1:]
	}
	return gid
}
