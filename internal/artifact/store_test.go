package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStore_StageCommit(t *testing.T) {
	root := t.TempDir()
	s := New(root, nil)

	h, err := s.Handle("Surah_001/001_001.mp3")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if h.Staging != h.Dest+".part" {
		t.Fatalf("暂存路径不符合约定：%q", h.Staging)
	}
	if s.Exists(h.Key) {
		t.Fatalf("提交前不应存在")
	}

	f, err := s.Stage(h)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	_, _ = f.WriteString("ID3")
	_ = f.Close()

	// 暂存期间目标不可见。
	if s.Exists(h.Key) {
		t.Fatalf("暂存期间目标不应可见")
	}

	if err := s.Commit(h); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !s.Exists(h.Key) {
		t.Fatalf("提交后应存在")
	}
	if _, err := os.Stat(h.Staging); !os.IsNotExist(err) {
		t.Fatalf("提交后暂存文件应消失：%v", err)
	}
}

func TestStore_CommitMissingOrEmptyStaging(t *testing.T) {
	s := New(t.TempDir(), nil)
	h, _ := s.Handle("a.mp3")

	var ce *CommitError
	if err := s.Commit(h); !errors.As(err, &ce) {
		t.Fatalf("暂存缺失应返回 CommitError，实际：%T %v", err, err)
	}

	f, err := s.Stage(h)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	_ = f.Close()
	if err := s.Commit(h); !errors.As(err, &ce) {
		t.Fatalf("暂存为空应返回 CommitError，实际：%T %v", err, err)
	}
	if _, err := os.Stat(h.Dest); !os.IsNotExist(err) {
		t.Fatalf("失败时目标不应出现：%v", err)
	}
}

func TestStore_CommitNeverOverwrites(t *testing.T) {
	s := New(t.TempDir(), nil)
	h, _ := s.Handle("a.mp3")

	if err := os.WriteFile(h.Dest, []byte("old"), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
	if err := os.WriteFile(h.Staging, []byte("new"), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}

	if err := s.Commit(h); !errors.Is(err, ErrAlreadyCommitted) {
		t.Fatalf("期望 ErrAlreadyCommitted，实际：%v", err)
	}
	b, _ := os.ReadFile(h.Dest)
	if string(b) != "old" {
		t.Fatalf("目标被覆盖：%q", string(b))
	}
	if _, err := os.Stat(h.Staging); !os.IsNotExist(err) {
		t.Fatalf("暂存文件应被清理：%v", err)
	}
}

func TestStore_CommitReplacesEmptyDest(t *testing.T) {
	s := New(t.TempDir(), nil)
	h, _ := s.Handle("a.mp3")

	if err := os.WriteFile(h.Dest, nil, 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
	if err := os.WriteFile(h.Staging, []byte("new"), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
	if err := s.Commit(h); err != nil {
		t.Fatalf("空目标应被替换，实际：%v", err)
	}
	b, _ := os.ReadFile(h.Dest)
	if string(b) != "new" {
		t.Fatalf("目标内容不正确：%q", string(b))
	}
}

func TestStore_ExistsRequiresNonEmptyRegularFile(t *testing.T) {
	root := t.TempDir()
	s := New(root, nil)

	if err := os.WriteFile(filepath.Join(root, "empty.mp3"), nil, 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "dir.mp3"), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if s.Exists("empty.mp3") {
		t.Fatalf("空文件不应视为已存在")
	}
	if s.Exists("dir.mp3") {
		t.Fatalf("目录不应视为已存在")
	}
}

func TestStore_DiscardIsIdempotent(t *testing.T) {
	s := New(t.TempDir(), nil)
	h, _ := s.Handle("a.mp3")

	s.Discard(h) // 不存在也不应 panic
	if err := os.WriteFile(h.Staging, []byte("x"), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
	s.Discard(h)
	if _, err := os.Stat(h.Staging); !os.IsNotExist(err) {
		t.Fatalf("暂存文件应被删除：%v", err)
	}
}

func TestStore_HandleRejectsBadKeys(t *testing.T) {
	s := New(t.TempDir(), nil)
	for _, k := range []string{"", "/abs.mp3", "../up.mp3", "a/../../up.mp3", ".qbatch/report.json", "x.mp3.part"} {
		if _, err := s.Handle(k); err == nil {
			t.Fatalf("期望拒绝 key=%q", k)
		}
	}
	h, err := s.Handle(`Surah_002\002_010.mp3`)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if h.Key != "Surah_002/002_010.mp3" {
		t.Fatalf("key 规范化不正确：%q", h.Key)
	}
}

func TestStore_AcquireExclusive(t *testing.T) {
	s := New(t.TempDir(), nil)

	l, err := s.Acquire()
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer l.Release()

	if _, err := s.Acquire(); !errors.Is(err, ErrLocked) {
		t.Fatalf("期望 ErrLocked，实际：%v", err)
	}
}

func TestStore_EnsureRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "root")
	s := New(root, nil)
	if err := s.EnsureRoot(); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if _, err := os.Stat(filepath.Join(root, StateDir)); err != nil {
		t.Fatalf("状态目录应被创建：%v", err)
	}
}
