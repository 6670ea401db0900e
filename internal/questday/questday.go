// Package questday реализует вычисление ключа квест-дня.
package questday

import "time"

// Layout — формат ключа квест-дня.
const Layout = "2006-01-02"

// DayKey возвращает ключ квест-дня для момента t: календарную дату
// в опорном часовом поясе loc. Все решения о границе дня во всём сервисе
// принимаются в одном опорном поясе, независимо от пояса вызывающей
// стороны.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(Layout)
}
