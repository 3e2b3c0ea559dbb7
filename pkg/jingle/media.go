package jingle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

const (
	// DynamicPayloadMin первый динамический payload type
	DynamicPayloadMin = 96
	// TelephoneEventPayload payload type telephone-event по умолчанию
	TelephoneEventPayload = 101
	// TelephoneEventName имя кодека событий DTMF
	TelephoneEventName = "telephone-event"
)

// Битрейты iLBC, по которым определяется размер кадра при отсутствии ptime
const (
	ilbcBitrate30 = 13300
	ilbcBitrate20 = 15200
	ilbcTolerance = 500
)

// MediaDescriptor описание кодека в предложении
type MediaDescriptor struct {
	ID        uint8
	Name      string
	ClockRate uint32
	Channels  int
	PTime     int
	Bitrate   int
	// Synonym внутреннее имя формата (mulaw, alaw, ilbc30...)
	Synonym string
}

// Static проверяет, что payload type статический
func (m MediaDescriptor) Static() bool { return m.ID < DynamicPayloadMin }

func (m MediaDescriptor) String() string {
	return fmt.Sprintf("%d %s/%d", m.ID, m.Name, m.ClockRate)
}

// sameCodec сравнивает статические кодеки по id, динамические по имени и частоте
func (m MediaDescriptor) sameCodec(o MediaDescriptor) bool {
	if m.Static() {
		return m.ID == o.ID
	}
	return strings.EqualFold(m.Name, o.Name) && m.ClockRate == o.ClockRate
}

func (m MediaDescriptor) isILBC() bool { return strings.EqualFold(m.Name, "iLBC") }

// codecTable известные движку кодеки
var codecTable = []MediaDescriptor{
	{ID: 0, Name: "PCMU", ClockRate: 8000, Channels: 1, Synonym: "mulaw"},
	{ID: 2, Name: "G726-32", ClockRate: 8000, Channels: 1, Synonym: "g726"},
	{ID: 3, Name: "GSM", ClockRate: 8000, Channels: 1, Synonym: "gsm"},
	{ID: 4, Name: "G723", ClockRate: 8000, Channels: 1, Synonym: "g723"},
	{ID: 7, Name: "LPC", ClockRate: 8000, Channels: 1, Synonym: "lpc10"},
	{ID: 8, Name: "PCMA", ClockRate: 8000, Channels: 1, Synonym: "alaw"},
	{ID: 9, Name: "G722", ClockRate: 8000, Channels: 1, Synonym: "g722"},
	{ID: 11, Name: "L16", ClockRate: 8000, Channels: 1, Synonym: "slin"},
	{ID: 15, Name: "G728", ClockRate: 8000, Channels: 1, Synonym: "g728"},
	{ID: 18, Name: "G729", ClockRate: 8000, Channels: 1, Synonym: "g729"},
	{ID: 98, Name: "iLBC", ClockRate: 8000, Channels: 1, Synonym: "ilbc"},
	{ID: 98, Name: "iLBC", ClockRate: 8000, Channels: 1, PTime: 20, Synonym: "ilbc20"},
	{ID: 98, Name: "iLBC", ClockRate: 8000, Channels: 1, PTime: 30, Synonym: "ilbc30"},
	{ID: 97, Name: "SPEEX", ClockRate: 8000, Channels: 1, Synonym: "speex"},
}

// LookupCodec ищет кодек по синониму
func LookupCodec(synonym string) (MediaDescriptor, bool) {
	for _, c := range codecTable {
		if strings.EqualFold(c.Synonym, synonym) {
			return c, true
		}
	}
	return MediaDescriptor{}, false
}

// MediaList список кодеков content. Payload type telephone-event хранится
// отдельно от кодеков, 0 означает отсутствие.
type MediaList struct {
	Codecs   []MediaDescriptor
	TelEvent uint8
}

// UsedCodecs строит список по синонимам форматов. Пустой список форматов
// означает все известные кодеки; неизвестные синонимы пропускаются.
func UsedCodecs(formats []string) MediaList {
	var l MediaList
	if len(formats) == 0 {
		l.Codecs = append(l.Codecs, codecTable...)
	} else {
		for _, f := range formats {
			if c, ok := LookupCodec(strings.TrimSpace(f)); ok {
				l.Codecs = append(l.Codecs, c)
			}
		}
	}
	l.TelEvent = TelephoneEventPayload
	return l
}

// Clone возвращает независимую копию
func (l MediaList) Clone() MediaList {
	out := MediaList{TelEvent: l.TelEvent}
	out.Codecs = append([]MediaDescriptor(nil), l.Codecs...)
	return out
}

// Empty проверяет отсутствие кодеков
func (l MediaList) Empty() bool { return len(l.Codecs) == 0 }

// Formats возвращает синонимы кодеков в порядке предпочтения
func (l MediaList) Formats() []string {
	out := make([]string, 0, len(l.Codecs))
	for _, c := range l.Codecs {
		if c.Synonym != "" {
			out = append(out, c.Synonym)
		}
	}
	return out
}

// find возвращает дескриптор из списка, соответствующий кодеку m
func (l MediaList) find(m MediaDescriptor) (MediaDescriptor, bool) {
	for _, c := range l.Codecs {
		if m.sameCodec(c) {
			return c, true
		}
	}
	return MediaDescriptor{}, false
}

// Filter оставляет кодеки, присутствующие в allowed (по id и имени)
func (l MediaList) Filter(allowed MediaList) MediaList {
	out := MediaList{TelEvent: l.TelEvent}
	for _, c := range l.Codecs {
		for _, a := range allowed.Codecs {
			if c.ID == a.ID && strings.EqualFold(c.Name, a.Name) {
				out.Codecs = append(out.Codecs, c)
				break
			}
		}
	}
	return out
}

// inferILBC определяет синоним и ptime iLBC по полученному дескриптору
func inferILBC(m *MediaDescriptor, recv MediaDescriptor) {
	ptime := recv.PTime
	if ptime == 0 {
		switch {
		case abs(recv.Bitrate-ilbcBitrate30) <= ilbcTolerance:
			ptime = 30
		case abs(recv.Bitrate-ilbcBitrate20) <= ilbcTolerance:
			ptime = 20
		}
	}
	switch ptime {
	case 30:
		m.PTime, m.Synonym = 30, "ilbc30"
	case 20:
		m.PTime, m.Synonym = 20, "ilbc20"
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// matchMedia оставляет в local только кодеки, найденные в recv.
// Динамический payload type берется у удаленной стороны, telephone-event
// отслеживается отдельно. Возвращает false при пустом пересечении.
func matchMedia(local *MediaList, recv MediaList) bool {
	kept := make([]MediaDescriptor, 0, len(local.Codecs))
	for _, l := range local.Codecs {
		r, ok := recv.find(l)
		if !ok {
			continue
		}
		m := l
		m.ID = r.ID
		if r.PTime > 0 {
			m.PTime = r.PTime
		}
		if m.isILBC() {
			inferILBC(&m, r)
		}
		dup := false
		for _, k := range kept {
			if k.ID == m.ID {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, m)
		}
	}
	local.Codecs = kept
	local.TelEvent = recv.TelEvent
	return len(kept) > 0
}

// SDP строит аудио секцию SDP для списка на порту port
func (l MediaList) SDP(port int) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	ptime := 0
	for _, c := range l.Codecs {
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(c.ID)))
		rtpmap := fmt.Sprintf("%d %s/%d", c.ID, c.Name, c.ClockRate)
		if c.Channels > 1 {
			rtpmap += "/" + strconv.Itoa(c.Channels)
		}
		md.Attributes = append(md.Attributes, sdp.NewAttribute("rtpmap", rtpmap))
		if c.isILBC() && c.PTime > 0 {
			md.Attributes = append(md.Attributes, sdp.NewAttribute("fmtp", fmt.Sprintf("%d mode=%d", c.ID, c.PTime)))
		}
		if ptime == 0 && c.PTime > 0 {
			ptime = c.PTime
		}
	}
	if l.TelEvent != 0 {
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(l.TelEvent)))
		md.Attributes = append(md.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/8000", l.TelEvent, TelephoneEventName)),
			sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", l.TelEvent)))
	}
	if ptime > 0 {
		md.Attributes = append(md.Attributes, sdp.NewAttribute("ptime", strconv.Itoa(ptime)))
	}
	return md
}

// MediaParams ограничения кодеков от приложения. SDP задает кодеки первой
// аудио секцией, Formats сужает их по синонимам.
type MediaParams struct {
	Formats []string
	SDP     string
}

// restrict сужает local по параметрам. Payload type кодеков из SDP берутся
// из SDP, telephone-event тоже.
func (p MediaParams) restrict(local MediaList) (MediaList, error) {
	out := local.Clone()
	if len(p.Formats) > 0 {
		out = out.Filter(UsedCodecs(p.Formats))
		if out.Empty() {
			return MediaList{}, ErrNoCommonMedia("").WithField("formats", strings.Join(p.Formats, ","))
		}
	}
	if p.SDP != "" {
		offered, err := ParseSDPMedia(p.SDP)
		if err != nil {
			return MediaList{}, ErrBadRequest("некорректное SDP").WithCause(err)
		}
		if !matchMedia(&out, offered) {
			return MediaList{}, ErrNoCommonMedia("").WithField("sdp", strings.Join(offered.Formats(), ","))
		}
	}
	return out, nil
}

// empty нет ни одного ограничения
func (p MediaParams) empty() bool { return len(p.Formats) == 0 && p.SDP == "" }

// MediaListFromSDP разбирает аудио секцию SDP. Кодеки без rtpmap
// восстанавливаются по таблице статических payload type.
func MediaListFromSDP(md *sdp.MediaDescription) (MediaList, error) {
	var l MediaList
	if md == nil || md.MediaName.Media != "audio" {
		return l, fmt.Errorf("ожидалась аудио секция SDP")
	}

	rtpmaps := make(map[string]string)
	fmtps := make(map[string]string)
	ptime := 0
	for _, a := range md.Attributes {
		switch a.Key {
		case "rtpmap", "fmtp":
			parts := strings.SplitN(a.Value, " ", 2)
			if len(parts) != 2 {
				continue
			}
			if a.Key == "rtpmap" {
				rtpmaps[parts[0]] = parts[1]
			} else {
				fmtps[parts[0]] = parts[1]
			}
		case "ptime":
			ptime, _ = strconv.Atoi(a.Value)
		}
	}

	for _, f := range md.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil || pt < 0 || pt > 127 {
			return MediaList{}, fmt.Errorf("некорректный payload type %q", f)
		}
		d := MediaDescriptor{ID: uint8(pt), Channels: 1}
		if rtpmap, ok := rtpmaps[f]; ok {
			parts := strings.Split(rtpmap, "/")
			d.Name = parts[0]
			if len(parts) > 1 {
				rate, err := strconv.Atoi(parts[1])
				if err != nil {
					return MediaList{}, fmt.Errorf("некорректная частота в rtpmap %q", rtpmap)
				}
				d.ClockRate = uint32(rate)
			}
			if len(parts) > 2 {
				d.Channels, _ = strconv.Atoi(parts[2])
			}
		} else if d.Static() {
			known, ok := staticCodec(d.ID)
			if !ok {
				continue
			}
			d = known
		}
		if strings.EqualFold(d.Name, TelephoneEventName) {
			l.TelEvent = d.ID
			continue
		}
		if known, ok := knownCodec(d); ok {
			d.Synonym = known.Synonym
		}
		if d.isILBC() {
			if mode := fmtpValue(fmtps[f], "mode"); mode != "" {
				d.PTime, _ = strconv.Atoi(mode)
			}
		}
		if d.PTime == 0 {
			d.PTime = ptime
		}
		if d.isILBC() {
			inferILBC(&d, d)
		}
		l.Codecs = append(l.Codecs, d)
	}
	return l, nil
}

// ParseSDPMedia разбирает описание сессии SDP и возвращает первую аудио секцию
func ParseSDPMedia(raw string) (MediaList, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return MediaList{}, fmt.Errorf("разбор SDP: %w", err)
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return MediaListFromSDP(md)
		}
	}
	return MediaList{}, fmt.Errorf("в SDP нет аудио секции")
}

func staticCodec(id uint8) (MediaDescriptor, bool) {
	for _, c := range codecTable {
		if c.ID == id && c.Static() {
			return c, true
		}
	}
	return MediaDescriptor{}, false
}

func knownCodec(d MediaDescriptor) (MediaDescriptor, bool) {
	for _, c := range codecTable {
		if d.sameCodec(c) {
			return c, true
		}
	}
	return MediaDescriptor{}, false
}

func fmtpValue(fmtp, key string) string {
	for _, p := range strings.Split(fmtp, ";") {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], key) {
			return kv[1]
		}
	}
	return ""
}
