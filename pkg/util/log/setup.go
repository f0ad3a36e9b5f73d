// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

package log

import (
	"fmt"
	"strings"

	"github.com/cihub/seelog"
)

const logDateFormat = "2006-01-02 15:04:05.000"

// BuildLogger constructs a seelog logger writing to the console and,
// when logFile is non-empty, to a rolling file.
func BuildLogger(level, logFile string) (seelog.LoggerInterface, error) {
	configTemplate := `<seelog minlevel="%s">
    <outputs formatid="common">
        <console />`
	if logFile != "" {
		configTemplate += fmt.Sprintf(`<rollingfile type="size" filename="%s" maxsize="%d" maxrolls="1" />`, logFile, 10*1024*1024)
	}
	configTemplate += `</outputs>
    <formats>
        <format id="common" format="%%Date(%s) | %%LEVEL | (%%RelFile:%%Line) | %%Msg%%n"/>
    </formats>
</seelog>`

	config := fmt.Sprintf(configTemplate, strings.ToLower(level), logDateFormat)

	return seelog.LoggerFromConfigAsString(config)
}

// Setup builds and installs the process logger in one call.
func Setup(level, logFile string) error {
	l, err := BuildLogger(level, logFile)
	if err != nil {
		return err
	}
	SetupLogger(l, level)
	return nil
}
