package intent

import "sort"

// Risk 是动作的静态风险等级。
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Kind 描述会话引用或参数槽位承载的对象类型。
type Kind string

const (
	KindEmail   Kind = "email"
	KindEvent   Kind = "event"
	KindFile    Kind = "file"
	KindContact Kind = "contact"
)

// ActionSpec 是动作目录中的一项。
//
// ObjectSlot 是动作作用的对象参数（如 file_id），PersonSlot 是接收人参数（如 to）。
type ActionSpec struct {
	Service    Service
	Name       string
	Risk       Risk
	ReadOnly   bool
	ObjectSlot string
	ObjectKind Kind
	PersonSlot string
	Required   []string
	// BulkSlot 非空时，收件人数量超过阈值会把风险提升为 high。
	BulkSlot string
}

// DefaultBulkThreshold 是批量发送的默认人数阈值。
const DefaultBulkThreshold = 3

var catalog = map[Service]map[string]ActionSpec{}

func register(spec ActionSpec) {
	if catalog[spec.Service] == nil {
		catalog[spec.Service] = make(map[string]ActionSpec)
	}
	catalog[spec.Service][spec.Name] = spec
}

func init() {
	// mail
	register(ActionSpec{Service: ServiceMail, Name: "send_email", Risk: RiskMedium, PersonSlot: "to", BulkSlot: "to", Required: []string{"to"}})
	register(ActionSpec{Service: ServiceMail, Name: "search_email", Risk: RiskLow, ReadOnly: true})
	register(ActionSpec{Service: ServiceMail, Name: "read_email", Risk: RiskLow, ReadOnly: true, ObjectSlot: "email_id", ObjectKind: KindEmail, Required: []string{"email_id"}})
	register(ActionSpec{Service: ServiceMail, Name: "delete_email", Risk: RiskHigh, ObjectSlot: "email_id", ObjectKind: KindEmail, Required: []string{"email_id"}})
	register(ActionSpec{Service: ServiceMail, Name: "restore_email", Risk: RiskMedium, ObjectSlot: "email_id", ObjectKind: KindEmail, Required: []string{"email_id"}})

	// calendar
	register(ActionSpec{Service: ServiceCalendar, Name: "list_events", Risk: RiskLow, ReadOnly: true})
	register(ActionSpec{Service: ServiceCalendar, Name: "search_event", Risk: RiskLow, ReadOnly: true})
	register(ActionSpec{Service: ServiceCalendar, Name: "next_event", Risk: RiskLow, ReadOnly: true})
	register(ActionSpec{Service: ServiceCalendar, Name: "create_event", Risk: RiskMedium, PersonSlot: "attendees", BulkSlot: "attendees", Required: []string{"title"}})
	register(ActionSpec{Service: ServiceCalendar, Name: "update_event", Risk: RiskMedium, ObjectSlot: "event_id", ObjectKind: KindEvent, PersonSlot: "attendees", Required: []string{"event_id"}})
	register(ActionSpec{Service: ServiceCalendar, Name: "delete_event", Risk: RiskHigh, ObjectSlot: "event_id", ObjectKind: KindEvent, Required: []string{"event_id"}})

	// storage
	register(ActionSpec{Service: ServiceStorage, Name: "search_file", Risk: RiskLow, ReadOnly: true})
	register(ActionSpec{Service: ServiceStorage, Name: "download_file", Risk: RiskLow, ReadOnly: true, ObjectSlot: "file_id", ObjectKind: KindFile, Required: []string{"file_id"}})
	register(ActionSpec{Service: ServiceStorage, Name: "upload_file", Risk: RiskMedium, Required: []string{"name"}})
	register(ActionSpec{Service: ServiceStorage, Name: "create_folder", Risk: RiskMedium, Required: []string{"name"}})
	register(ActionSpec{Service: ServiceStorage, Name: "share_file", Risk: RiskHigh, ObjectSlot: "file_id", ObjectKind: KindFile, PersonSlot: "email", Required: []string{"file_id", "email"}})
	register(ActionSpec{Service: ServiceStorage, Name: "unshare_file", Risk: RiskMedium, ObjectSlot: "file_id", ObjectKind: KindFile, PersonSlot: "email", Required: []string{"file_id", "email"}})
	register(ActionSpec{Service: ServiceStorage, Name: "delete_file", Risk: RiskHigh, ObjectSlot: "file_id", ObjectKind: KindFile, Required: []string{"file_id"}})
	register(ActionSpec{Service: ServiceStorage, Name: "restore_file", Risk: RiskMedium, ObjectSlot: "file_id", ObjectKind: KindFile, Required: []string{"file_id"}})
}

// Lookup 查询动作目录。
func Lookup(service Service, action string) (ActionSpec, bool) {
	spec, ok := catalog[service][action]
	return spec, ok
}

// Actions 返回服务支持的动作名，按字母排序。
func Actions(service Service) []string {
	names := make([]string, 0, len(catalog[service]))
	for name := range catalog[service] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RiskOf 计算 Intent 的风险等级。bulkThreshold<=0 时使用默认阈值。
func RiskOf(in Intent, bulkThreshold int) Risk {
	spec, ok := in.Spec()
	if !ok {
		return RiskHigh
	}
	if bulkThreshold <= 0 {
		bulkThreshold = DefaultBulkThreshold
	}
	if spec.BulkSlot != "" && len(in.ListParam(spec.BulkSlot)) > bulkThreshold {
		return RiskHigh
	}
	return spec.Risk
}
