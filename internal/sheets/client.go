// Package sheets адаптер Google Sheets: вкладки и строки для выгрузки показаний,
// чтение таблицы настроек
package sheets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"
)

const valueInputOption = "USER_ENTERED"

// Client обертка над Sheets API
type Client struct {
	svc *sheetsapi.Service
}

// NewClient создает клиент по JSON ключу сервисного аккаунта.
// Если credentialsJSON пуст, используется credentialsFile.
func NewClient(ctx context.Context, credentialsJSON, credentialsFile string, extra ...option.ClientOption) (*Client, error) {
	creds := []byte(credentialsJSON)
	if len(creds) == 0 && credentialsFile != "" {
		data, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet credentials: %w", err)
		}
		creds = data
	}

	opts := []option.ClientOption{option.WithScopes(sheetsapi.SpreadsheetsScope)}
	if len(creds) > 0 {
		opts = append(opts, option.WithCredentialsJSON(creds))
	}
	opts = append(opts, extra...)

	svc, err := sheetsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// ListTabs возвращает названия вкладок таблицы
func (c *Client) ListTabs(ctx context.Context, sheetID string) ([]string, error) {
	ss, err := c.svc.Spreadsheets.Get(sheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get spreadsheet: %w", err)
	}
	names := make([]string, 0, len(ss.Sheets))
	for _, s := range ss.Sheets {
		if s.Properties != nil {
			names = append(names, s.Properties.Title)
		}
	}
	return names, nil
}

// CreateTab добавляет вкладку и записывает строку заголовка
func (c *Client) CreateTab(ctx context.Context, sheetID, name string, header []string) error {
	req := &sheetsapi.BatchUpdateSpreadsheetRequest{
		Requests: []*sheetsapi.Request{{
			AddSheet: &sheetsapi.AddSheetRequest{
				Properties: &sheetsapi.SheetProperties{Title: name},
			},
		}},
	}
	if _, err := c.svc.Spreadsheets.BatchUpdate(sheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("add sheet %s: %w", name, err)
	}

	row := make([]interface{}, len(header))
	for i, h := range header {
		row[i] = h
	}
	_, err := c.svc.Spreadsheets.Values.Update(sheetID, A1(name, "A1:"+lastColumn(len(header))+"1"), &sheetsapi.ValueRange{
		Values: [][]interface{}{row},
	}).ValueInputOption(valueInputOption).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("write header to %s: %w", name, err)
	}
	return nil
}

// AppendRows добавляет строки в конец вкладки одним запросом
func (c *Client) AppendRows(ctx context.Context, sheetID, tab string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	_, err := c.svc.Spreadsheets.Values.Append(sheetID, A1(tab, "A:"+lastColumn(width)), &sheetsapi.ValueRange{
		Values: rows,
	}).ValueInputOption(valueInputOption).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append rows to %s: %w", tab, err)
	}
	return nil
}

// ReadTable читает диапазон как таблицу строк
func (c *Client) ReadTable(ctx context.Context, sheetID, rng string) ([][]string, error) {
	vr, err := c.svc.Spreadsheets.Values.Get(sheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}
	rows := make([][]string, len(vr.Values))
	for i, r := range vr.Values {
		rows[i] = make([]string, len(r))
		for j, v := range r {
			rows[i][j] = fmt.Sprint(v)
		}
	}
	return rows, nil
}

// A1 диапазон на вкладке; имя берется в кавычки, так как может содержать '/'
func A1(tab, cells string) string {
	return "'" + strings.ReplaceAll(tab, "'", "''") + "'!" + cells
}

func lastColumn(n int) string {
	if n < 1 {
		n = 1
	}
	var col []byte
	for n > 0 {
		n--
		col = append([]byte{byte('A' + n%26)}, col...)
		n /= 26
	}
	return string(col)
}
