package intent

import "fmt"

// Target 返回动作作用对象的键，例如 "storage:file:f1"。没有可识别对象时返回空串。
func Target(in Intent, data map[string]any) string {
	spec, ok := in.Spec()
	if !ok {
		return ""
	}
	kind, id := spec.ObjectKind, ""
	if spec.ObjectSlot != "" {
		id = in.StringParam(spec.ObjectSlot)
	}
	if id == "" && data != nil {
		if v, ok := data["id"]; ok && v != nil {
			id = fmt.Sprint(v)
		}
		switch in.Service {
		case ServiceCalendar:
			kind = KindEvent
		case ServiceStorage:
			kind = KindFile
		case ServiceMail:
			kind = KindEmail
		}
	}
	if id == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:%s", in.Service, kind, id)
}

// Inverse 根据已执行的动作及其结果生成撤销用的 Intent。
// 不可逆的动作（如发送邮件、只读查询）返回 false。
func Inverse(in Intent, data map[string]any) (Intent, bool) {
	id := func() string {
		if data == nil {
			return ""
		}
		if v, ok := data["id"]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}
	raw := "undo " + in.Action
	switch in.Key() {
	case "calendar.create_event":
		if eventID := id(); eventID != "" {
			return New(ServiceCalendar, "delete_event", map[string]any{"event_id": eventID}, raw), true
		}
	case "calendar.update_event":
		prev, ok := data["previous"].(map[string]any)
		if !ok || len(prev) == 0 {
			return Intent{}, false
		}
		params := cloneParams(prev)
		params["event_id"] = in.StringParam("event_id")
		return New(ServiceCalendar, "update_event", params, raw), true
	case "storage.share_file":
		emails := in.ListParam("email")
		if added, ok := data["added"]; ok {
			emails = StringList(added)
		}
		if len(emails) == 0 {
			return Intent{}, false
		}
		return New(ServiceStorage, "unshare_file", map[string]any{
			"file_id": in.StringParam("file_id"),
			"email":   emails,
		}, raw), true
	case "storage.unshare_file":
		return New(ServiceStorage, "share_file", map[string]any{
			"file_id": in.StringParam("file_id"),
			"email":   in.Parameters["email"],
		}, raw), true
	case "storage.delete_file":
		return New(ServiceStorage, "restore_file", map[string]any{"file_id": in.StringParam("file_id")}, raw), true
	case "storage.restore_file":
		return New(ServiceStorage, "delete_file", map[string]any{"file_id": in.StringParam("file_id")}, raw), true
	case "storage.upload_file", "storage.create_folder":
		if fileID := id(); fileID != "" {
			return New(ServiceStorage, "delete_file", map[string]any{"file_id": fileID}, raw), true
		}
	case "mail.delete_email":
		return New(ServiceMail, "restore_email", map[string]any{"email_id": in.StringParam("email_id")}, raw), true
	case "mail.restore_email":
		return New(ServiceMail, "delete_email", map[string]any{"email_id": in.StringParam("email_id")}, raw), true
	}
	return Intent{}, false
}
