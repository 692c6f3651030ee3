package infra

// QueueName RabbitMQ 隊列名稱
type QueueName string

const (
	// QueueNameUsageEvents 已確認扣款事件，供用量統計消費
	QueueNameUsageEvents QueueName = "usage_events_queue"
)

func (qn QueueName) String() string {
	return string(qn)
}

// GetAllQueueNames 返回啟動時需要宣告的隊列
func GetAllQueueNames() []QueueName {
	return []QueueName{
		QueueNameUsageEvents,
	}
}
