package audiox

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// PCM 约定：16-bit little-endian、单声道。
const (
	bitsPerSample = 16
	channels      = 1
)

// WriteWAV 为裸 PCM 加上 44 字节 RIFF 头后写入 w。
func WriteWAV(w io.Writer, pcm []byte, sampleRate int) error {
	if len(pcm) == 0 {
		return errors.New("pcm 为空")
	}
	if sampleRate <= 0 {
		return fmt.Errorf("采样率无效：%d", sampleRate)
	}
	blockAlign := channels * bitsPerSample / 8
	hdr := struct {
		RIFF          [4]byte
		ChunkSize     uint32
		WAVE          [4]byte
		Fmt           [4]byte
		Subchunk1Size uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		Subchunk2Size uint32
	}{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * blockAlign),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: bitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(len(pcm)),
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}

// Encoder 把 PCM 编码为目标格式。mp3 依赖外部 ffmpeg。
type Encoder struct {
	FFmpeg     string
	Format     string // mp3 | wav | pcm
	Bitrate    string
	SampleRate int
}

// Ext 返回该格式产物的扩展名（带点）。
func (e Encoder) Ext() string {
	return "." + strings.ToLower(e.Format)
}

func (e Encoder) Encode(ctx context.Context, w io.Writer, pcm []byte) error {
	if len(pcm) == 0 {
		return errors.New("pcm 为空")
	}
	switch strings.ToLower(e.Format) {
	case "pcm":
		_, err := w.Write(pcm)
		return err
	case "wav":
		return WriteWAV(w, pcm, e.SampleRate)
	case "mp3":
		return e.mp3(ctx, w, pcm)
	default:
		return fmt.Errorf("不支持的音频格式：%q", e.Format)
	}
}

func (e Encoder) mp3(ctx context.Context, w io.Writer, pcm []byte) error {
	bin := e.FFmpeg
	if strings.TrimSpace(bin) == "" {
		bin = "ffmpeg"
	}
	bitrate := e.Bitrate
	if bitrate == "" {
		bitrate = "64k"
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(e.SampleRate),
		"-ac", strconv.Itoa(channels),
		"-i", "pipe:0",
		"-b:a", bitrate,
		"-f", "mp3",
		"pipe:1",
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(pcm)
	cmd.Stdout = w
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg encode mp3: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// LookupFFmpeg 解析 ffmpeg 可执行文件的位置（名字或路径均可）。
func LookupFFmpeg(bin string) (string, error) {
	if strings.TrimSpace(bin) == "" {
		bin = "ffmpeg"
	}
	p, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("找不到 ffmpeg（%q）：%w", bin, err)
	}
	return p, nil
}
