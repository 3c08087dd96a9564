package pipeline

import (
	"fmt"
	"time"
)

// Throttle решает, какие кадры с тревогой становятся снимками.
// Кадр допускается, если это первый допуск или с последнего прошло не меньше interval.
// Принадлежит одному воркеру, не потокобезопасен.
type Throttle struct {
	interval time.Duration
	last     time.Duration
	admitted bool
}

// NewThrottle создает throttle. interval <= 0 отключает снимки.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Admit проверяет кадр и запоминает его время при допуске
func (t *Throttle) Admit(ts time.Duration, alert bool) bool {
	if !alert || t.interval <= 0 {
		return false
	}
	if t.admitted && ts-t.last < t.interval {
		return false
	}
	t.last = ts
	t.admitted = true
	return true
}

// Last возвращает время последнего допуска
func (t *Throttle) Last() (time.Duration, bool) {
	return t.last, t.admitted
}

// Sample пара (время, тревога) для AdmitAll
type Sample struct {
	Timestamp time.Duration
	Alert     bool
}

// AdmitAll возвращает подпоследовательность времен, допущенных throttle
func AdmitAll(samples []Sample, interval time.Duration) []time.Duration {
	t := NewThrottle(interval)
	var out []time.Duration
	for _, s := range samples {
		if t.Admit(s.Timestamp, s.Alert) {
			out = append(out, s.Timestamp)
		}
	}
	return out
}

// Dedup хранит метки времени тревог без повторов по их отображению с точностью
// до сотых секунды, в порядке первого появления. Окно слияния не применяется:
// 1.00 и 1.03 остаются разными метками.
type Dedup struct {
	seen  map[string]struct{}
	order []time.Duration
}

// NewDedup создает пустой список
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]struct{})}
}

// Add добавляет метку; false, если метка с тем же отображением ("1.00") уже была.
// Хранится первое значение из группы.
func (d *Dedup) Add(ts time.Duration) bool {
	key := formatSeconds(ts)
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, ts)
	return true
}

// Values копия списка
func (d *Dedup) Values() []time.Duration {
	out := make([]time.Duration, len(d.order))
	copy(out, d.order)
	return out
}

// Len количество уникальных меток
func (d *Dedup) Len() int {
	return len(d.order)
}

// FormatSeconds форматирует метки как секунды с двумя знаками ("1.00")
func FormatSeconds(ts []time.Duration) []string {
	out := make([]string, len(ts))
	for i, v := range ts {
		out[i] = formatSeconds(v)
	}
	return out
}

func formatSeconds(ts time.Duration) string {
	return fmt.Sprintf("%.2f", ts.Seconds())
}
