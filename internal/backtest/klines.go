package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Kline 回测只使用开盘时间和收盘价
type Kline struct {
	OpenTime time.Time
	Close    float64
}

// ReadKlines 读取下载器生成的K线CSV。第一行为表头，
// 无法解析的行会被跳过并计入 skipped。
func ReadKlines(r io.Reader) (klines []Kline, skipped int, err error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, 0, fmt.Errorf("无法读取CSV记录: %w", err)
	}
	if len(records) <= 1 { // 至少需要表头和一行数据
		return nil, 0, errors.New("历史数据文件为空或只有表头")
	}

	klines = make([]Kline, 0, len(records)-1)
	for _, record := range records[1:] {
		if len(record) < 5 {
			skipped++
			continue
		}
		openTimeMs, errT := strconv.ParseInt(record[0], 10, 64)
		closePrice, errC := strconv.ParseFloat(record[4], 64)
		if errT != nil || errC != nil || closePrice <= 0 {
			skipped++
			continue
		}
		klines = append(klines, Kline{OpenTime: time.UnixMilli(openTimeMs).UTC(), Close: closePrice})
	}
	if len(klines) == 0 {
		return nil, skipped, errors.New("历史数据文件中没有有效的K线")
	}
	return klines, skipped, nil
}
