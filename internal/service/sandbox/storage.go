package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/internal/service"
)

type file struct {
	ID         string
	Name       string
	Folder     bool
	Parent     string
	Content    string
	SharedWith []string
	Trashed    bool
	Modified   time.Time
}

func (f *file) view() map[string]any {
	return map[string]any{
		"id":          f.ID,
		"name":        f.Name,
		"folder":      f.Folder,
		"parent":      f.Parent,
		"size":        len(f.Content),
		"shared_with": append([]string(nil), f.SharedWith...),
		"modified":    f.Modified.Format(time.RFC3339),
	}
}

// Storage 是内存云盘。
type Storage struct {
	base
	files map[string]*file
}

// NewStorage 创建空云盘。
func NewStorage(opts ...Option) *Storage {
	s := &Storage{files: make(map[string]*file)}
	s.init(intent.ServiceStorage, opts)
	return s
}

func (s *Storage) seed(sf SeedFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := sf.ID
	if id == "" {
		id = s.nextID("f")
	}
	s.files[id] = &file{ID: id, Name: sf.Name, Folder: sf.Folder, Content: sf.Content,
		SharedWith: sf.SharedWith, Modified: s.now().Add(-offset(sf.Age))}
}

// File 返回文件当前状态，回收站中的文件返回 false。
func (s *Storage) File(id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok || f.Trashed {
		return nil, false
	}
	return f.view(), true
}

// Execute 实现 service.Handler。
func (s *Storage) Execute(ctx context.Context, action string, params map[string]any) (service.Result, error) {
	if err := s.enter(ctx, action); err != nil {
		return service.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch action {
	case "search_file":
		items := s.search(params)
		return service.Result{
			Summary: fmt.Sprintf("找到 %d 个文件", len(items)),
			Data:    map[string]any{"items": items, "count": len(items)},
		}, nil
	case "download_file":
		f, err := s.lookup(str(params, "file_id"))
		if err != nil {
			return service.Result{}, err
		}
		data := f.view()
		data["content"] = f.Content
		return service.Result{Summary: "已下载文件 " + f.Name, Data: data}, nil
	case "upload_file", "create_folder":
		name := str(params, "name")
		if name == "" {
			return service.Result{}, missing("name")
		}
		f := &file{ID: s.nextID("f"), Name: name, Folder: action == "create_folder",
			Parent: str(params, "folder_id"), Content: str(params, "content"), Modified: s.now()}
		s.files[f.ID] = f
		return service.Result{Summary: "已创建 " + name, Data: f.view()}, nil
	case "share_file":
		f, err := s.lookup(str(params, "file_id"))
		if err != nil {
			return service.Result{}, err
		}
		emails := intent.StringList(params["email"])
		if len(emails) == 0 {
			return service.Result{}, missing("email")
		}
		var added []string
		for _, e := range emails {
			if !contains(f.SharedWith, e) {
				f.SharedWith = append(f.SharedWith, e)
				added = append(added, e)
			}
		}
		data := f.view()
		data["added"] = added
		return service.Result{Summary: fmt.Sprintf("已将 %s 共享给 %s", f.Name, strings.Join(emails, ", ")), Data: data}, nil
	case "unshare_file":
		f, err := s.lookup(str(params, "file_id"))
		if err != nil {
			return service.Result{}, err
		}
		emails := intent.StringList(params["email"])
		kept := f.SharedWith[:0:0]
		for _, e := range f.SharedWith {
			if !contains(emails, e) {
				kept = append(kept, e)
			}
		}
		f.SharedWith = kept
		return service.Result{Summary: fmt.Sprintf("已取消 %s 的共享", f.Name), Data: f.view()}, nil
	case "delete_file", "restore_file":
		id := str(params, "file_id")
		f, ok := s.files[id]
		if !ok || f.Trashed == (action == "delete_file") {
			return service.Result{}, notFound("file", id)
		}
		f.Trashed = action == "delete_file"
		summary := "已恢复 " + f.Name
		if f.Trashed {
			summary = "已将 " + f.Name + " 移入回收站"
		}
		return service.Result{Summary: summary, Data: map[string]any{"id": id, "name": f.Name}}, nil
	}
	return service.Result{}, unsupported(s.svc, action)
}

// Preview 实现 service.Handler。
func (s *Storage) Preview(ctx context.Context, action string, params map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := func() string {
		id := str(params, "file_id")
		if f, ok := s.files[id]; ok {
			return f.Name
		}
		return orUnknown(id)
	}
	switch action {
	case "search_file":
		return fmt.Sprintf("将搜索文件 (query=%q)", str(params, "query")), nil
	case "download_file":
		return "将下载 " + name(), nil
	case "upload_file":
		return "将上传 " + orUnknown(str(params, "name")), nil
	case "create_folder":
		return "将创建文件夹 " + orUnknown(str(params, "name")), nil
	case "share_file":
		emails := intent.StringList(params["email"])
		return fmt.Sprintf("将把 %s 共享给 %d 人: %s", name(), len(emails), strings.Join(emails, ", ")), nil
	case "unshare_file":
		return "将取消 " + name() + " 的共享", nil
	case "delete_file":
		return "将把 " + name() + " 移入回收站", nil
	case "restore_file":
		return "将恢复 " + name(), nil
	}
	return "", service.ErrPreviewUnsupported(s.svc, action)
}

func (s *Storage) lookup(id string) (*file, error) {
	if id == "" {
		return nil, missing("file_id")
	}
	f, ok := s.files[id]
	if !ok || f.Trashed {
		return nil, notFound("file", id)
	}
	return f, nil
}

func (s *Storage) search(params map[string]any) []map[string]any {
	q := strings.ToLower(str(params, "query"))
	var since time.Time
	if raw := strings.TrimSuffix(str(params, "modified_within"), "d"); raw != "" {
		days, _ := strconv.Atoi(raw)
		since = s.now().Add(-time.Duration(days) * 24 * time.Hour)
	}
	var matched []*file
	for _, f := range s.files {
		if f.Trashed || (q != "" && !strings.Contains(strings.ToLower(f.Name), q)) {
			continue
		}
		if !since.IsZero() && f.Modified.Before(since) {
			continue
		}
		matched = append(matched, f)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Modified.Equal(matched[j].Modified) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Modified.After(matched[j].Modified)
	})
	if limit := num(params, "max_results", 20); limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	items := make([]map[string]any, 0, len(matched))
	for _, f := range matched {
		items = append(items, f.view())
	}
	return items
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
