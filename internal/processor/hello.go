package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/diascostaadv/camunda-server-dc-sub001/pkg/tasks"
)

// SayHello is the smoke-test processor for the say_hello topic. It exists
// so a full submit → queue → process → result round trip can be exercised
// without any downstream system.
func SayHello() Processor {
	return Func(func(ctx context.Context, task *tasks.Task) Result {
		start := time.Now()

		name, _ := task.Variables["name"].(string)
		name = strings.TrimSpace(name)
		if name == "" {
			return Fail(KindValidation,
				fmt.Errorf("variable %q is required", "name"),
				time.Since(start))
		}

		return Ok(map[string]interface{}{
			"greeting": fmt.Sprintf("Hello, %s!", name),
		}, time.Since(start))
	})
}
