package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
)

// rw-r--r-- (擁有者讀寫，其他人唯讀)
const FileMode fs.FileMode = 0644

// maxRecordSize 單筆紀錄的上限
const maxRecordSize = 4 << 20

// ErrPoisoned 寫入失敗後無法把檔案截回原長度，之後的寫入一律拒絕
var ErrPoisoned = errors.New("wal: poisoned by a failed rollback")

// file 是 WAL 需要的檔案操作，*os.File 即可滿足
type file interface {
	io.ReadWriteSeeker
	io.Closer
	Sync() error
	Truncate(size int64) error
}

// WAL 是以 JSON Lines 儲存的 append-only 日誌，每筆 Write 都會 fsync
type WAL struct {
	file     file
	mu       sync.Mutex
	poisoned error
}

// Open 開啟或建立一個 WAL 檔案
// O_RDWR讀寫模式
// O_APPEND 每次寫入時自動跳到文件末尾
// O_CREATE 如果文件不存在則建立
func Open(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, FileMode)
	if err != nil {
		return nil, err
	}
	return &WAL{file: file}, nil
}

// Write 寫入一筆資料並刷入硬碟，回傳 nil 代表這筆資料已持久化
// 回傳錯誤時檔案會截回寫入前的長度，這筆資料不會在重播時出現
func (w *WAL) Write(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.poisoned != nil {
		return fmt.Errorf("%w: %w", ErrPoisoned, w.poisoned)
	}
	offset, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(line); err != nil {
		return w.rollback(offset, err)
	}
	if err := w.file.Sync(); err != nil {
		return w.rollback(offset, err)
	}
	return nil
}

// rollback 把檔案截回 offset，失敗時標記 poisoned
func (w *WAL) rollback(offset int64, cause error) error {
	if err := w.truncate(offset); err != nil {
		w.poisoned = err
		return errors.Join(cause, fmt.Errorf("%w: %w", ErrPoisoned, err))
	}
	return cause
}

// Sync 強制刷入硬碟
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close 關閉檔案
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadAll 從頭逐筆讀取資料，callback 收到的是單行 JSON
// 最後一行沒有換行代表寫到一半就崩潰 (從未 fsync 成功回報)，會被截掉
func (w *WAL) ReadAll(callback func(jsonRaw []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReaderSize(w.file, 64<<10)
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				return w.truncate(offset)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if len(line) > maxRecordSize {
			return fmt.Errorf("wal record at offset %d exceeds %d bytes", offset, maxRecordSize)
		}
		offset += int64(len(line))

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := callback(line); err != nil {
			return fmt.Errorf("wal record at offset %d: %w", offset-int64(len(line)), err)
		}
	}
}

func (w *WAL) truncate(offset int64) error {
	if err := w.file.Truncate(offset); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return w.file.Sync()
}
