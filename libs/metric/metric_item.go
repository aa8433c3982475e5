package metric

// MetricItem - 一个独立的metric模块对应一个MetricItem
// JSONString返回模块当前状态的json快照
type MetricItem interface {
	JSONString() string
}

// MetricFunc 把一个返回json的函数包装成MetricItem
type MetricFunc func() string

func (f MetricFunc) JSONString() string {
	return f()
}
