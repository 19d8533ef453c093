package climate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goburrow/serial"

	"github.com/cja-skyfarms/skyfarm-pi/controller/device"
)

// The sensor node speaks a framed ASCII protocol with no terminator:
// request "node000000|SensorReq|0905", response "|SensorRes|{json}|xxxx".
// The JSON carries a sensors array; values are addressed by numeric id.
const (
	nodeRequest  = "node000000|SensorReq|0905"
	idTemp       = 1
	idHumidity   = 2
	idCO2        = 6
	nodeIdleGap  = 200 * time.Millisecond
	nodeDeadline = 2500 * time.Millisecond
	nodeRetries  = 3
)

type nodeFrame struct {
	Sensors []struct {
		ID    int         `json:"id"`
		Value interface{} `json:"value"`
	} `json:"sensors"`
}

// extractJSONBlock pulls the {...} payload out of the framed response.
func extractJSONBlock(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// parseNodeFrame decodes the response into optional temperature, humidity
// and CO2 values. Values arrive as strings with stray whitespace (" 660").
func parseNodeFrame(raw []byte) (temp, humi *float64, co2 *int, err error) {
	text := strings.TrimSpace(string(bytes.ReplaceAll(raw, []byte{0}, nil)))
	block, ok := extractJSONBlock(text)
	if !ok {
		return nil, nil, nil, fmt.Errorf("no json block in node response")
	}
	var frame nodeFrame
	if err := json.Unmarshal([]byte(block), &frame); err != nil {
		return nil, nil, nil, fmt.Errorf("node response json: %w", err)
	}
	valueOf := func(id int) *float64 {
		for _, s := range frame.Sensors {
			if s.ID != id {
				continue
			}
			str := strings.TrimSpace(fmt.Sprintf("%v", s.Value))
			if v, err := strconv.ParseFloat(str, 64); err == nil {
				return &v
			}
		}
		return nil
	}
	temp = valueOf(idTemp)
	humi = valueOf(idHumidity)
	if v := valueOf(idCO2); v != nil {
		n := int(*v)
		co2 = &n
	}
	return temp, humi, co2, nil
}

// readFramed accumulates bytes until the line stays silent for the idle gap
// or the deadline passes. The node does not terminate its frames.
func readFramed(port serial.Port, deadline, idleGap time.Duration) []byte {
	var buf []byte
	start := time.Now()
	lastRx := start
	chunk := make([]byte, 256)
	for time.Since(start) < deadline {
		n, err := port.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			lastRx = time.Now()
			continue
		}
		if len(buf) > 0 && time.Since(lastRx) > idleGap {
			break
		}
		if err != nil && len(buf) > 0 {
			break
		}
	}
	return buf
}

// queryNode performs one request/response exchange on the node's port.
func queryNode(portPath string, baud int) (temp, humi *float64, co2 *int, err error) {
	lock := device.PortLock(portPath)
	lock.Lock()
	defer lock.Unlock()

	port, err := serial.Open(&serial.Config{
		Address:  portPath,
		BaudRate: baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  nodeIdleGap,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	defer port.Close()

	if _, err := port.Write([]byte(nodeRequest)); err != nil {
		return nil, nil, nil, err
	}
	raw := readFramed(port, nodeDeadline, nodeIdleGap)
	if len(raw) == 0 {
		return nil, nil, nil, fmt.Errorf("node did not answer")
	}
	return parseNodeFrame(raw)
}

// queryNodeWithRetry wraps queryNode with a few attempts; the node misses
// requests when it is mid-broadcast.
func queryNodeWithRetry(portPath string, baud int) (temp, humi *float64, co2 *int, err error) {
	for attempt := 0; attempt < nodeRetries; attempt++ {
		temp, humi, co2, err = queryNode(portPath, baud)
		if err == nil && temp != nil && humi != nil {
			return temp, humi, co2, nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	if err == nil {
		err = fmt.Errorf("node response missing values")
	}
	return temp, humi, co2, err
}
