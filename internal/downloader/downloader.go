package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// klinesPageLimit 币安单次请求最多返回1000条
const klinesPageLimit = 1000

// CSVHeader 是下载文件的表头，回测按列序读取
var CSVHeader = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

type fetchKlinesFunc func(ctx context.Context, symbol, interval string, start time.Time) ([]*binance.Kline, error)

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	fetch     fetchKlinesFunc
	logger    *zap.Logger
	pageDelay time.Duration
}

// NewKlineDownloader 创建一个新的下载器实例。公共接口不需要API Key。
func NewKlineDownloader(baseURL string, logger *zap.Logger) *KlineDownloader {
	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &KlineDownloader{
		fetch: func(ctx context.Context, symbol, interval string, start time.Time) ([]*binance.Kline, error) {
			return client.NewKlinesService().
				Symbol(symbol).
				Interval(interval).
				StartTime(start.UnixMilli()).
				Limit(klinesPageLimit).
				Do(ctx)
		},
		logger:    logger,
		pageDelay: 200 * time.Millisecond,
	}
}

// FileName 返回 data/<SYMBOL>-<start>-<end>.csv 形式的缓存文件名
func FileName(dir, symbol string, start, end time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s-%s.csv", symbol, start.Format("2006-01-02"), end.Format("2006-01-02")))
}

// DownloadKlines 下载指定交易对和时间范围内的K线数据并保存到CSV文件。
// 文件已存在时直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("从缓存加载数据", zap.String("file", filePath))
		return nil
	}
	if interval == "" {
		interval = "1m"
	}

	d.logger.Info("开始下载K线数据",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
		zap.Time("start", startTime),
		zap.Time("end", endTime))

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", filepath.Dir(filePath), err)
	}
	// 先写临时文件，成功后再改名，避免中断留下被当作缓存的残缺文件
	tmpPath := filePath + ".part"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmpPath, err)
	}
	defer os.Remove(tmpPath)

	rows, err := d.writeKlines(ctx, file, symbol, interval, startTime, endTime)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("保存文件 %s 失败: %w", filePath, err)
	}

	d.logger.Info("成功下载K线数据", zap.String("file", filePath), zap.Int("rows", rows))
	return nil
}

func (d *KlineDownloader) writeKlines(ctx context.Context, file *os.File, symbol, interval string, startTime, endTime time.Time) (int, error) {
	writer := csv.NewWriter(file)
	if err := writer.Write(CSVHeader); err != nil {
		return 0, fmt.Errorf("写入CSV表头失败: %w", err)
	}

	rows := 0
	for t := startTime; t.Before(endTime); {
		klines, err := d.fetch(ctx, symbol, interval, t)
		if err != nil {
			return rows, fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			if !time.UnixMilli(k.OpenTime).Before(endTime) {
				break
			}
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return rows, fmt.Errorf("写入CSV记录失败: %w", err)
			}
			rows++
		}

		next := time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		if !next.After(t) {
			break
		}
		t = next
		d.logger.Debug("已下载数据", zap.Time("until", t))

		if d.pageDelay > 0 {
			select {
			case <-ctx.Done():
				return rows, ctx.Err()
			case <-time.After(d.pageDelay):
			}
		}
	}

	writer.Flush()
	return rows, writer.Error()
}
