package router

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/deseer/ws-dispatcher/catalog"
	"github.com/deseer/ws-dispatcher/parser"
	"github.com/deseer/ws-dispatcher/store"
)

// systemCommands are handled by the dispatcher itself and never forwarded.
var systemCommands = map[string]struct{}{
	"/help":   {},
	"/status": {},
	"/list":   {},
	"/style":  {},
	"/admin":  {},
}

// IsSystemCommand reports whether the first whitespace-separated token of
// text names a built-in command.
func IsSystemCommand(text string) bool {
	first, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	_, ok := systemCommands[strings.ToLower(first)]
	return ok
}

// handleSystemCommand dispatches built-in commands; nil means "not one of
// ours", so routing continues.
func (r *Router) handleSystemCommand(ctx context.Context, tbl *table, p parser.Parsed, user *store.User, groupID int64) *Result {
	switch strings.ToLower(p.Command) {
	case "/help":
		return r.handleHelp()
	case "/list":
		return r.handleList(tbl, p.Args, user)
	case "/style":
		return r.handleStyle(ctx, tbl, p.Args, user)
	case "/status":
		return r.handleStatus(tbl)
	case "/admin":
		return r.handleAdmin(ctx, tbl, p.Args, user)
	}
	return nil
}

func system(response string) *Result {
	return &Result{Success: true, Response: response, IsSystemCommand: true}
}

func systemError(message string) *Result {
	return &Result{ErrorMessage: message, IsSystemCommand: true}
}

func (r *Router) handleHelp() *Result {
	lines := []string{
		"📖 指令帮助",
		"",
		"系统指令：",
		"  /help - 显示帮助信息",
		"  /status - 显示系统状态",
		"  /list - 列出所有分类",
		"  /list <分类> - 列出分类下的指令集",
		"  /style list - 列出可选风格",
		"  /style select <组> <风格> - 选择风格",
		"  /style current - 查看当前风格",
		"",
		"你也可以指定指令集名称临时调用：",
		"  <指令集名称> <指令>",
		"  例如：可爱风格 /chat 你好",
	}
	return system(strings.Join(lines, "\n"))
}

func (r *Router) handleList(tbl *table, args string, user *store.User) *Result {
	args = strings.TrimSpace(args)

	if args == "" {
		lines := []string{"📂 可用分类：", ""}
		for _, cat := range tbl.snap.Categories {
			lines = append(lines, "  【"+cat.DisplayName+"】")
			lines = append(lines, "    /list "+cat.DisplayName)
		}
		if len(tbl.snap.Categories) == 0 {
			lines = append(lines, "  暂无分类")
		}
		return system(strings.Join(lines, "\n"))
	}

	cat := tbl.findCategory(args)
	if cat == nil {
		return systemError(fmt.Sprintf("分类 '%s' 不存在", args))
	}

	lines := []string{"📂 " + cat.DisplayName}
	if cat.Description != "" {
		lines = append(lines, "", cat.Description)
	}
	lines = append(lines, "", "可选风格：")

	selected := user.SelectedStyle(cat.ID)
	for _, cs := range tbl.snap.SetsByCategory[cat.ID] {
		current := ""
		if selected == cs.ID {
			current = " ✓ 当前"
		}
		lines = append(lines, "  【"+cs.Name+"】"+current)
		if cs.Description != "" {
			lines = append(lines, "    "+cs.Description)
		}
	}
	return system(strings.Join(lines, "\n"))
}

func (r *Router) handleStyle(ctx context.Context, tbl *table, args string, user *store.User) *Result {
	parts := strings.Fields(args)

	if len(parts) == 0 || parts[0] == "list" {
		lines := []string{"🎨 可选风格：", ""}
		for _, cat := range tbl.snap.Categories {
			sets := tbl.snap.SetsByCategory[cat.ID]
			if len(sets) == 0 {
				continue
			}
			lines = append(lines, "【"+cat.DisplayName+"】")
			selected := user.SelectedStyle(cat.ID)
			for _, cs := range sets {
				current := ""
				if selected == cs.ID {
					current = " ✓"
				}
				lock := ""
				if !cat.AllowUserSwitch {
					lock = " 🔒"
				}
				lines = append(lines, "  "+cs.Name+current+lock)
			}
			lines = append(lines, "")
		}
		if len(lines) == 2 {
			lines = append(lines, "  暂无可选风格")
		}
		lines = append(lines, "用法: /style select <分类> <风格>")
		return system(strings.Join(lines, "\n"))
	}

	if parts[0] == "current" {
		lines := []string{"🎨 当前风格：", ""}
		// Walk categories in display order; stale picks for unknown
		// categories or sets are skipped, not errors.
		for _, cat := range tbl.snap.Categories {
			styleID := user.SelectedStyle(cat.ID)
			if styleID == "" {
				continue
			}
			if cs := tbl.snap.SetsByID[styleID]; cs != nil {
				lines = append(lines, "  "+cat.DisplayName+": "+cs.Name)
			}
		}
		if len(lines) == 2 {
			lines = append(lines, "  暂未选择任何风格")
		}
		return system(strings.Join(lines, "\n"))
	}

	if parts[0] == "select" && len(parts) >= 3 {
		categoryName := parts[1]
		styleName := strings.Join(parts[2:], " ")

		cat := tbl.findCategory(categoryName)
		if cat == nil {
			return systemError(fmt.Sprintf("分类 '%s' 不存在", categoryName))
		}

		if d := tbl.checker.CheckStyleSwitch(user, cat); !d.Allowed {
			return systemError(d.Message)
		}

		var target *catalog.CommandSet
		for _, cs := range tbl.snap.SetsByCategory[cat.ID] {
			if strings.EqualFold(cs.Name, styleName) || cs.ID == styleName {
				target = cs
				break
			}
		}
		if target == nil {
			return systemError(fmt.Sprintf("分类 '%s' 下没有风格 '%s'", cat.DisplayName, styleName))
		}

		if err := r.st.SetSelectedStyle(ctx, user.QQID, cat.ID, target.ID); err != nil {
			r.log.WithError(err).Errorf("风格切换失败: %d", user.QQID)
			return systemError("风格切换失败，请稍后再试")
		}

		return system(fmt.Sprintf("✅ 已切换【%s】分类到【%s】风格", cat.DisplayName, target.Name))
	}

	return systemError("用法: /style [list|current|select <分类> <风格>]")
}

func (r *Router) handleStatus(tbl *table) *Result {
	lines := []string{"📊 系统状态：", ""}
	lines = append(lines, fmt.Sprintf("指令集: %d 个", len(tbl.snap.SetsByID)))
	lines = append(lines, fmt.Sprintf("分类: %d 个", len(tbl.snap.Categories)))
	lines = append(lines, "", "WebSocket 连接：")

	status := r.pool.Status()
	ids := make([]string, 0, len(status))
	for id := range status {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := status[id]
		state := "❌ 未连接"
		if st.Connected {
			state = "✅ 已连接"
		}
		lines = append(lines, "  "+st.Name+": "+state)
	}
	return system(strings.Join(lines, "\n"))
}

func (r *Router) handleAdmin(ctx context.Context, tbl *table, args string, user *store.User) *Result {
	if !tbl.checker.IsAdmin(user.QQID) {
		return systemError("你没有管理员权限")
	}

	parts := strings.Fields(args)
	if len(parts) == 0 {
		lines := []string{
			"🔧 管理员指令：",
			"",
			"  /admin allow <QQ号> <互斥组> - 允许用户切换风格",
			"  /admin deny <QQ号> <互斥组> - 禁止用户切换风格",
			"  /admin set <QQ号> <互斥组> <风格> - 为用户设置风格",
			"  /admin privilege <QQ号> [on|off] - 设置用户特权",
		}
		return system(strings.Join(lines, "\n"))
	}

	switch {
	case parts[0] == "allow" && len(parts) >= 3:
		target, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			break
		}
		group := parts[2]
		if err := r.st.SetSwitchGroup(ctx, target, group, true); err != nil {
			r.log.WithError(err).Error("admin allow failed")
			return systemError("操作失败，请稍后再试")
		}
		return system(fmt.Sprintf("✅ 已允许用户 %d 切换 %s 风格", target, group))

	case parts[0] == "deny" && len(parts) >= 3:
		target, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			break
		}
		group := parts[2]
		if err := r.st.SetSwitchGroup(ctx, target, group, false); err != nil {
			r.log.WithError(err).Error("admin deny failed")
			return systemError("操作失败，请稍后再试")
		}
		return system(fmt.Sprintf("✅ 已禁止用户 %d 切换 %s 风格", target, group))

	case parts[0] == "set" && len(parts) >= 4:
		target, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			break
		}
		group := parts[2]
		styleName := strings.Join(parts[3:], " ")

		var cs *catalog.CommandSet
		for _, candidate := range tbl.snap.SetsByCategory[group] {
			if candidate.Name == styleName || candidate.ID == styleName {
				cs = candidate
				break
			}
		}
		if cs == nil {
			return systemError(fmt.Sprintf("风格 '%s' 不存在", styleName))
		}
		if err := r.st.SetSelectedStyle(ctx, target, group, cs.ID); err != nil {
			r.log.WithError(err).Error("admin set failed")
			return systemError("操作失败，请稍后再试")
		}
		return system(fmt.Sprintf("✅ 已为用户 %d 设置 %s 风格为【%s】", target, group, cs.Name))

	case parts[0] == "privilege" && len(parts) >= 2:
		target, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			break
		}
		enable := true
		if len(parts) > 2 {
			enable = strings.ToLower(parts[2]) == "on"
		}
		if err := r.st.SetPrivileged(ctx, target, enable); err != nil {
			r.log.WithError(err).Error("admin privilege failed")
			return systemError("操作失败，请稍后再试")
		}
		state := "开启"
		if !enable {
			state = "关闭"
		}
		return system(fmt.Sprintf("✅ 已%s用户 %d 的特权", state, target))
	}

	return systemError("无效的管理员指令")
}

// findCategory resolves a category by display name (case-insensitive), id,
// or internal name.
func (t *table) findCategory(key string) *catalog.Category {
	for _, cat := range t.snap.Categories {
		if strings.EqualFold(cat.DisplayName, key) || cat.ID == key || cat.Name == key {
			return cat
		}
	}
	return nil
}
