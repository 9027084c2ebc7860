package download

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/John-Robertt/qbatch/internal/domain"
	"github.com/John-Robertt/qbatch/internal/infra/httpx"
)

// Worker 把 unit.Source（URL）流式下载到暂存文件。
type Worker struct {
	Client *http.Client
}

func (Worker) Name() string { return "download" }

func (d Worker) Do(ctx context.Context, u domain.WorkUnit, w io.Writer) error {
	if d.Client == nil {
		return errors.New("http client 不能为空")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.Source, nil)
	if err != nil {
		return domain.Terminal(domain.ErrCodeInvalidInput, err)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := httpx.CheckStatus(resp); err != nil {
		return err
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return err
	}
	// 服务端声明了长度但连接提前结束：视为截断（可重试）。
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return domain.Transient(domain.ErrCodeNetwork, io.ErrUnexpectedEOF)
	}
	return nil
}
