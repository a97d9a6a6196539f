package clog

import "time"

// timeNow 可在测试中替换
var timeNow = time.Now
