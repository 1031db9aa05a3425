package grid

import "swap-grid-bot-go/internal/models"

// Resolve 计算从 previous 到 next 之间穿越的所有层级，按价格经过的顺序排列。
// previous 为 UnsetLevel 时只记录层级，不产生任何事件。
//
// 上涨时对 (previous, next] 中的每个层级按升序产生 SELL;
// 下跌时对 [next, previous) 中的每个层级按降序产生 BUY。
func Resolve(gridID string, previous, next int) []models.CrossingEvent {
	if previous == models.UnsetLevel || previous == next {
		return nil
	}

	if next > previous {
		events := make([]models.CrossingEvent, 0, next-previous)
		for level := previous + 1; level <= next; level++ {
			events = append(events, models.CrossingEvent{GridID: gridID, Level: level, Direction: models.Sell})
		}
		return events
	}

	events := make([]models.CrossingEvent, 0, previous-next)
	for level := previous - 1; level >= next; level-- {
		events = append(events, models.CrossingEvent{GridID: gridID, Level: level, Direction: models.Buy})
	}
	return events
}
