package scan

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/John-Robertt/qbatch/internal/artifact"
)

// File 是扫描到的一个产物文件。
type File struct {
	AbsPath string
	RelPath string
	Size    int64
}

// Options 控制扫描范围。
type Options struct {
	Ext         string   // 扩展名（不区分大小写，带不带点均可）
	Recursive   bool     // false 时只看 root 这一层
	ExcludeDirs []string // 相对 root（绝对路径则按绝对路径处理）
}

// ScanFiles 扫描 root 下扩展名为 opt.Ext 的已提交产物，按相对路径字典序返回。
//
// 规则（硬约束）：
// - 永久排除：<root>/.qbatch/
// - 跳过暂存文件（*.part）与隐藏文件（临时文件都以 '.' 开头）
// - 空文件不是完整产物，同样跳过
func ScanFiles(root string, opt Options) ([]File, error) {
	root = filepath.Clean(root)
	excluded := buildExcluded(root, opt.ExcludeDirs)
	ext := strings.ToLower(strings.TrimSpace(opt.Ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	files := make([]File, 0, 128)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if isExcluded(path, excluded) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path != root && !opt.Recursive {
				return filepath.SkipDir
			}
			return nil
		}

		name := d.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, artifact.StagingSuffix) {
			return nil
		}
		if ext != "" && strings.ToLower(filepath.Ext(name)) != ext {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() == 0 {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		files = append(files, File{AbsPath: path, RelPath: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 强制稳定输出，拼接顺序依赖它。
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

func buildExcluded(root string, excludeDirs []string) []string {
	excluded := make([]string, 0, 1+len(excludeDirs))
	excluded = append(excluded, filepath.Join(root, artifact.StateDir))

	for _, x := range excludeDirs {
		x = strings.TrimSpace(x)
		if x == "" {
			continue
		}
		if filepath.IsAbs(x) {
			excluded = append(excluded, filepath.Clean(x))
			continue
		}
		excluded = append(excluded, filepath.Clean(filepath.Join(root, x)))
	}

	sort.Strings(excluded)
	return excluded
}

func isExcluded(path string, excluded []string) bool {
	path = filepath.Clean(path)
	for _, base := range excluded {
		if isUnder(path, base) {
			return true
		}
	}
	return false
}

func isUnder(path, base string) bool {
	if path == base {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(path, base+sep)
}
