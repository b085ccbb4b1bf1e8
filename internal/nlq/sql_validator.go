package nlq

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type ValidateOptions struct {
	Shop            string
	MaxDaysLookback int
	TodayISO        string // "YYYY-MM-DD"; empty means UTC today
}

var (
	blockedKeywords = []string{
		"insert", "update", "delete", "merge", "drop", "alter", "create",
		"truncate", "grant", "revoke", "call", "execute", "prepare", "deallocate",
		"union", "unload",
	}
	keywordRes = func() map[string]*regexp.Regexp {
		m := make(map[string]*regexp.Regexp, len(blockedKeywords))
		for _, kw := range blockedKeywords {
			m[kw] = regexp.MustCompile(`\b` + kw + `\b`)
		}
		return m
	}()

	dtTokenRe   = regexp.MustCompile(`\bdt\b`)
	dtBetweenRe = regexp.MustCompile(`\bdt\b\s+between\s+(date\s+)?'(\d{4}-\d{2}-\d{2})'\s+and\s+(date\s+)?'(\d{4}-\d{2}-\d{2})'`)
	dtLowerRe   = regexp.MustCompile(`\bdt\b\s*(>=|>)\s*(date\s+)?'(\d{4}-\d{2}-\d{2})'`)

	shopTokenRe = regexp.MustCompile(`\bshop_id\b`)
	shopPredRe  = regexp.MustCompile(`\bshop_id\b\s*(?:in\s*\(([^)]*)\)|=\s*'([^']*)')`)
	quotedRe    = regexp.MustCompile(`'([^']*)'`)
)

// ValidateSQL accepts a single read-only SELECT whose every shop_id predicate
// names the caller's shop and whose dt range starts within the lookback.
func ValidateSQL(sql string, opt ValidateOptions) error {
	s := strings.TrimSpace(sql)
	if s == "" {
		return fmt.Errorf("empty sql")
	}
	low := strings.ToLower(s)

	if strings.Contains(low, ";") {
		return fmt.Errorf("semicolon not allowed")
	}
	if strings.Contains(low, "--") || strings.Contains(low, "/*") || strings.Contains(low, "*/") {
		return fmt.Errorf("comments not allowed")
	}
	if !strings.HasPrefix(low, "select") && !strings.HasPrefix(low, "with") {
		return fmt.Errorf("only SELECT queries are allowed")
	}
	for _, kw := range blockedKeywords {
		if keywordRes[kw].MatchString(low) {
			return fmt.Errorf("disallowed keyword: %s", kw)
		}
	}

	maxDays := opt.MaxDaysLookback
	if maxDays <= 0 {
		maxDays = 90
	}
	today := strings.TrimSpace(opt.TodayISO)
	if today == "" {
		today = time.Now().UTC().Format("2006-01-02")
	}
	if err := requireBoundedDTPredicate(low, today, maxDays); err != nil {
		return err
	}
	return requireShopFilter(low, opt.Shop)
}

// requireBoundedDTPredicate accepts
//
//	dt >= date 'YYYY-MM-DD'
//	dt >  'YYYY-MM-DD'
//	dt between date 'YYYY-MM-DD' and date 'YYYY-MM-DD'
//
// and rejects a dt filter without a lower bound.
func requireBoundedDTPredicate(lowSQL, todayISO string, maxDays int) error {
	today, err := time.Parse("2006-01-02", todayISO)
	if err != nil {
		return fmt.Errorf("invalid TodayISO: %s", todayISO)
	}
	minAllowed := today.AddDate(0, 0, -maxDays)

	start := ""
	if m := dtBetweenRe.FindStringSubmatch(lowSQL); m != nil {
		start = m[2]
	} else if m := dtLowerRe.FindStringSubmatch(lowSQL); m != nil {
		start = m[3]
	}
	if start == "" {
		if dtTokenRe.MatchString(lowSQL) {
			return fmt.Errorf("dt filter must include a lower bound (dt >= ... or dt BETWEEN ...)")
		}
		return fmt.Errorf("missing required dt filter")
	}

	startDate, err := time.Parse("2006-01-02", start)
	if err != nil {
		return fmt.Errorf("dt lower bound invalid: %s", start)
	}
	if startDate.Before(minAllowed) {
		return fmt.Errorf("dt lookback too large: start=%s older than %d days", start, maxDays)
	}
	return nil
}

func requireShopFilter(lowSQL, shop string) error {
	shop = strings.ToLower(strings.TrimSpace(shop))
	if shop == "" {
		return fmt.Errorf("no shop to scope the query to")
	}
	if !shopTokenRe.MatchString(lowSQL) {
		return fmt.Errorf("missing required shop_id filter")
	}

	matches := shopPredRe.FindAllStringSubmatch(lowSQL, -1)
	if len(matches) == 0 {
		return fmt.Errorf("shop_id filter must be equality or IN list")
	}
	for _, m := range matches {
		var values []string
		if m[1] != "" {
			for _, vm := range quotedRe.FindAllStringSubmatch(m[1], -1) {
				values = append(values, vm[1])
			}
			if len(values) == 0 {
				return fmt.Errorf("shop_id IN list must contain quoted values")
			}
		} else {
			values = []string{m[2]}
		}
		for _, v := range values {
			if strings.TrimSpace(v) != shop {
				return fmt.Errorf("shop_id value not allowed: %s", v)
			}
		}
	}
	return nil
}
