package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/thomasldk/granite-erp-sub001/internal/quote/workbook"
)

const (
	descriptorFile = "job.json"
	inputsFile     = "inputs.xlsx"
)

// DirLedger writes one folder per quote into the directory the agent
// watches: job.json plus an inputs.xlsx the operator can open.
type DirLedger struct {
	root string
	// mu 串行化同一进程内的发布与撤回，撤回时的读-删不会夹进一次新发布
	mu sync.Mutex
}

func NewDirLedger(root string) (*DirLedger, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &DirLedger{root: root}, nil
}

func (l *DirLedger) dir(quoteID string) string {
	return filepath.Join(l.root, filepath.Base(quoteID))
}

func (l *DirLedger) Publish(_ context.Context, d *Descriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := l.dir(d.QuoteID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	rows := make([]workbook.Row, len(d.Inputs.Items))
	for i, it := range d.Inputs.Items {
		rows[i] = workbook.Row{
			Position: it.Position, Description: it.Description,
			Length: it.Length, Width: it.Width, Thickness: it.Thickness, Quantity: it.Quantity,
		}
	}
	f, err := workbook.Render([]workbook.Field{
		{Name: "Reference", Value: d.Reference},
		{Name: "Attempt", Value: d.Attempt},
		{Name: "Project", Value: d.Inputs.ProjectReference},
	}, rows)
	if err != nil {
		return fmt.Errorf("render inputs: %w", err)
	}
	defer f.Close()
	buf, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("render inputs: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, inputsFile), buf.Bytes()); err != nil {
		return err
	}

	// job.json 最后写入，Agent 看到它时输入文件已就绪
	body, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, descriptorFile), body)
}

func (l *DirLedger) Withdraw(_ context.Context, quoteID string, attempt int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.Read(quoteID)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	// 损坏的描述文件照常清理
	if err == nil && current.Attempt != attempt {
		return nil
	}
	err = os.RemoveAll(l.dir(quoteID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Read returns the descriptor currently published for quoteID.
func (l *DirLedger) Read(quoteID string) (*Descriptor, error) {
	body, err := os.ReadFile(filepath.Join(l.dir(quoteID), descriptorFile))
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
