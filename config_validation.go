package serial

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the serial-specific tags
// registered: "serialport" and "baudrate".
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("serialport", func(fl validator.FieldLevel) bool {
			return isValidPortPattern(fl.Field().String())
		})
		_ = v.RegisterValidation("baudrate", func(fl validator.FieldLevel) bool {
			return BaudRate(fl.Field().Int()).IsStandard()
		})
		validate = v
	})
	return validate
}

// ValidateConfig validates serial port configuration parameters
func ValidateConfig(cfg *Config) error {
	err := Validator().Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fe := verrs[0]
	switch fe.Field() {
	case "PortName":
		if fe.Tag() == "required" {
			return fmt.Errorf("port name cannot be empty")
		}
		return fmt.Errorf("port name doesn't match expected pattern: %s", cfg.PortName)
	case "BaudRate":
		return fmt.Errorf("invalid baud rate %d, must be one of: %v", cfg.BaudRate, StandardBaudRates)
	case "ReadTimeout":
		return fmt.Errorf("read timeout cannot be negative: %v", cfg.ReadTimeout)
	}
	return fmt.Errorf("invalid %s: %s", fe.Field(), fe.Tag())
}
