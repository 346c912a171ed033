package session

import (
	"LLM-Orchestra/internal/intent"
)

// Derive 根据动作结果生成需要写入会话的引用。
// 列表结果写入复数引用及其首项，空列表不产生引用，避免覆盖仍然有效的旧值。
func Derive(in intent.Intent, data map[string]any) map[string]Reference {
	if data == nil {
		return nil
	}
	refs := make(map[string]Reference)
	items := Items(data["items"])

	switch in.Key() {
	case "mail.search_email":
		putList(refs, intent.KindEmail, items, "last_emails", "last_email")
	case "mail.read_email":
		refs["last_email"] = Reference{Kind: intent.KindEmail, Value: data}
	case "mail.send_email":
		refs["last_sent_email"] = Reference{Kind: intent.KindEmail, Value: data}
	case "calendar.list_events", "calendar.search_event", "calendar.next_event":
		putList(refs, intent.KindEvent, items, "last_events", "last_event", "next_meeting")
		if len(items) > 0 {
			putAttendees(refs, items[0])
		}
	case "calendar.create_event", "calendar.update_event":
		refs["last_event"] = Reference{Kind: intent.KindEvent, Value: data}
		if in.Action == "create_event" {
			refs["last_created_event"] = Reference{Kind: intent.KindEvent, Value: data}
		}
		putAttendees(refs, data)
	case "storage.search_file":
		putList(refs, intent.KindFile, items, "last_files", "last_file")
	case "storage.upload_file", "storage.create_folder", "storage.download_file":
		refs["last_file"] = Reference{Kind: intent.KindFile, Value: data}
	}
	if len(refs) == 0 {
		return nil
	}
	return refs
}

func putList(refs map[string]Reference, kind intent.Kind, items []map[string]any, plural string, singles ...string) {
	if len(items) == 0 {
		return
	}
	refs[plural] = Reference{Kind: kind, Plural: true, Value: items}
	for _, name := range singles {
		refs[name] = Reference{Kind: kind, Value: items[0]}
	}
}

func putAttendees(refs map[string]Reference, event map[string]any) {
	attendees := intent.StringList(event["attendees"])
	if len(attendees) == 0 {
		return
	}
	refs["last_attendees"] = Reference{Kind: intent.KindContact, Plural: true, Value: attendees}
}
