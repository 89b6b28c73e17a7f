package summarize

import "strings"

const (
	portfolioTopN = 20
	fleetTopN     = 25
)

func accountUsage(d map[string]any) (any, bool) {
	envs, ok := d["environment_metrics"].([]any)
	if !ok {
		return nil, false
	}
	out := make([]any, 0, len(envs))
	for _, e := range envs {
		env := obj(e)
		rollup := obj(env["metrics_rollup"])
		out = append(out, map[string]any{
			"name":                  or(env["environment_name"], "unknown"),
			"storage_files_bytes":   dig(rollup, "storage_file_bytes", "latest", "value"),
			"storage_db_bytes":      dig(rollup, "storage_database_bytes", "latest", "value"),
			"total_visits":          dig(rollup, "visit_count", "sum"),
			"total_bandwidth_bytes": dig(rollup, "network_total_bytes", "sum"),
		})
	}
	return map[string]any{
		"summary":            true,
		"total_environments": len(envs),
		"all_included":       d["all_environments_included"],
		"environments":       out,
	}, true
}

func installUsage(d map[string]any) (any, bool) {
	if d["metrics_rollup"] == nil {
		return nil, false
	}
	return map[string]any{
		"summary":        true,
		"install_name":   d["install_name"],
		"metrics_rollup": d["metrics_rollup"],
	}, true
}

func installs(d map[string]any) (any, bool) {
	results, ok := d["results"].([]any)
	if !ok {
		return nil, false
	}
	out := make([]any, 0, len(results))
	for _, r := range results {
		inst := obj(r)
		out = append(out, map[string]any{
			"id":             inst["id"],
			"name":           inst["name"],
			"environment":    inst["environment"],
			"status":         inst["status"],
			"primary_domain": inst["primary_domain"],
			"php_version":    inst["php_version"],
			"site_id":        dig(inst, "site", "id"),
		})
	}
	return map[string]any{"summary": true, "total": or(d["count"], len(results)), "results": out}, true
}

func sites(d map[string]any) (any, bool) {
	results, ok := d["results"].([]any)
	if !ok {
		return nil, false
	}
	out := make([]any, 0, len(results))
	for _, r := range results {
		site := obj(r)
		siteType := "standard"
		switch {
		case truthy(site["sandbox"]):
			siteType = "sandbox"
		case truthy(site["transferable"]):
			siteType = "transferable"
		}
		list, _ := site["installs"].([]any)
		narrowed := make([]any, 0, len(list))
		for _, i := range list {
			inst := obj(i)
			narrowed = append(narrowed, map[string]any{
				"id":          inst["id"],
				"name":        inst["name"],
				"environment": inst["environment"],
			})
		}
		out = append(out, map[string]any{
			"id":            site["id"],
			"name":          site["name"],
			"type":          siteType,
			"install_count": len(list),
			"installs":      narrowed,
		})
	}
	return map[string]any{"summary": true, "total": or(d["count"], len(results)), "results": out}, true
}

func accountUsers(d map[string]any) (any, bool) {
	results, ok := d["results"].([]any)
	if !ok {
		return nil, false
	}
	out := make([]any, 0, len(results))
	for _, r := range results {
		user := obj(r)
		var parts []string
		for _, k := range []string{"first_name", "last_name"} {
			if s, ok := user[k].(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		var name any
		if len(parts) > 0 {
			name = strings.Join(parts, " ")
		}
		var installCount any
		if list, ok := user["installs"].([]any); ok {
			installCount = len(list)
		}
		out = append(out, map[string]any{
			"user_id":       user["user_id"],
			"name":          name,
			"email":         user["email"],
			"roles":         user["roles"],
			"active":        user["invite_accepted"],
			"mfa_enabled":   user["mfa_enabled"],
			"install_count": installCount,
		})
	}
	return map[string]any{"summary": true, "total": or(d["count"], len(results)), "results": out}, true
}

func accountSSLStatus(d map[string]any) (any, bool) {
	list, ok := d["installs"].([]any)
	if !ok {
		return nil, false
	}
	out := make([]any, 0, len(list))
	for _, i := range list {
		inst := obj(i)
		expiring, _ := inst["expiring_soon"].([]any)
		out = append(out, map[string]any{
			"install_name":   or(inst["install_name"], inst["name"]),
			"environment":    inst["environment"],
			"cert_count":     or(inst["certificate_count"], 0),
			"has_ssl":        or(inst["has_ssl"], false),
			"expiring_count": len(expiring),
		})
	}
	res := map[string]any{"summary": true, "installs": out, "overview": d["summary"]}
	passSideChannels(res, d)
	return res, true
}

func portfolioOverview(d map[string]any) (any, bool) {
	accounts, ok := d["accounts"].([]any)
	if !ok {
		return nil, false
	}
	byEnv := map[string]int{}
	byPHP := map[string]int{}
	byStatus := map[string]int{}
	summaries := make([]any, 0, len(accounts))

	for _, a := range accounts {
		acc := obj(a)
		list, _ := acc["installs"].([]any)
		for _, i := range list {
			inst := obj(i)
			byEnv[bucket(inst["environment"])]++
			byPHP[bucket(inst["php_version"])]++
			byStatus[bucket(inst["status"])]++
		}
		summaries = append(summaries, map[string]any{
			"account_id":    acc["account_id"],
			"account_name":  acc["account_name"],
			"site_count":    or(acc["site_count"], 0),
			"install_count": or(acc["install_count"], 0),
		})
	}

	res := map[string]any{
		"summary":        true,
		"total_accounts": or(d["total_accounts"], len(accounts)),
		"total_sites":    or(d["total_sites"], 0),
		"total_installs": or(d["total_installs"], 0),
		"by_environment": byEnv,
		"by_php_version": byPHP,
		"by_status":      byStatus,
		"accounts":       summaries,
	}
	passErrors(res, d)
	return res, true
}

// portfolioUsage: список уже отсортирован по визитам, оставляем верхушку.
func portfolioUsage(d map[string]any) (any, bool) {
	list, ok := d["installs"].([]any)
	if !ok {
		return nil, false
	}
	top := list
	if len(top) > portfolioTopN {
		top = top[:portfolioTopN]
	}
	res := map[string]any{
		"summary":                  true,
		"total_accounts":           or(d["total_accounts"], 0),
		"total_installs_with_data": len(list),
		"showing":                  len(top),
		"ranked_by_visits":         top,
	}
	passErrors(res, d)
	return res, true
}

// fleetHealth: счетчики по severity плюс первые N отсортированных проблем.
func fleetHealth(d map[string]any) (any, bool) {
	issues, ok := d["issues"].([]any)
	if !ok {
		return nil, false
	}
	counts := map[string]int{"critical": 0, "warning": 0, "info": 0}
	for _, i := range issues {
		if sev, ok := obj(i)["severity"].(string); ok {
			counts[sev]++
		}
	}
	top := issues
	if len(top) > fleetTopN {
		top = top[:fleetTopN]
	}
	res := map[string]any{
		"summary":        true,
		"total_accounts": or(d["total_accounts"], 0),
		"total_installs": or(d["total_installs"], 0),
		"issue_count":    counts,
		"total_issues":   len(issues),
		"showing":        len(top),
		"top_issues":     top,
		"accounts":       d["accounts"],
	}
	passErrors(res, d)
	return res, true
}

func obj(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// dig — безопасный доступ по вложенным ключам, nil если путь оборвался.
func dig(m map[string]any, path ...string) any {
	var cur any = m
	for _, key := range path {
		next, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = next[key]
	}
	return cur
}

func or(v, fallback any) any {
	if v == nil {
		return fallback
	}
	return v
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	}
	return true
}

func bucket(v any) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return "unknown"
}

func passErrors(dst, src map[string]any) {
	if v := src["errors"]; v != nil {
		dst["errors"] = v
	}
}

func passSideChannels(dst, src map[string]any) {
	if v := src["warnings"]; v != nil {
		dst["warnings"] = v
	}
	passErrors(dst, src)
}

// compositeAccountUsage сжимает вложенный usage, insights оставляет как есть.
func compositeAccountUsage(d map[string]any) (any, bool) {
	usage := d["usage"]
	if m := obj(usage); m != nil {
		if s, ok := accountUsage(m); ok {
			usage = s
		}
	}
	return map[string]any{
		"summary":  true,
		"usage":    usage,
		"insights": d["insights"],
	}, true
}

func accountDomains(d map[string]any) (any, bool) {
	list, ok := d["installs"].([]any)
	if !ok {
		return nil, false
	}
	out := make([]any, 0, len(list))
	for _, i := range list {
		inst := obj(i)
		domains, _ := inst["domains"].([]any)
		var primary any
		for _, dom := range domains {
			if dm := obj(dom); truthy(dm["primary"]) {
				primary = dm["name"]
				break
			}
		}
		out = append(out, map[string]any{
			"install_name":   or(inst["install_name"], inst["name"]),
			"environment":    inst["environment"],
			"domain_count":   len(domains),
			"primary_domain": primary,
		})
	}
	res := map[string]any{
		"summary":       true,
		"total_domains": or(d["total_domains"], 0),
		"installs":      out,
	}
	passErrors(res, d)
	return res, true
}

func diagnoseSite(d map[string]any) (any, bool) {
	usage := d["usage"]
	if m := obj(usage); m != nil && m["error"] == nil {
		if s, ok := installUsage(m); ok {
			usage = s
		}
	}
	return map[string]any{
		"summary": true,
		"install": d["install"],
		"usage":   usage,
		"domains": d["domains"],
		"ssl":     d["ssl"],
		"health":  d["health"],
	}, true
}
