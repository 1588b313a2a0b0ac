package core

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

const (
	VERSION = "1.0.0"
)

func printLogo(s string) {
	for _, c := range s {
		d := string(c)
		switch string(c) {
		case "_":
			color.Set(color.FgWhite)
		case "\n":
			color.Unset()
		default:
			color.Set(color.FgHiBlue)
		}
		fmt.Print(d)
	}
	color.Unset()
}

func printOneliner() {
	versionClr := color.New(color.FgGreen)
	textClr := color.New(color.FgHiBlack)
	spc := strings.Repeat(" ", 10-len(VERSION))
	txt := textClr.Sprintf("   centralized certificate lifecycle manager") + spc + textClr.Sprintf("version ") + versionClr.Sprintf("%s", VERSION)
	fmt.Fprintf(color.Output, "%s", txt)
}

func Banner() {
	fmt.Println()
	printLogo(`                 _                 _             _ ` + "\n")
	printLogo(`   ___ ___ _ __ | |_ ___ ___ _ __ | |_ _ __ __ _| |` + "\n")
	printLogo(`  / __/ _ \ '__|| __/ __/ _ \ '_ \| __| '__/ _' | |` + "\n")
	printLogo(` | (__  __/ |   | || (__  __/ | | | |_| | | (_| | |` + "\n")
	printLogo(`  \___\___|_|    \__\___\___|_| |_|\__|_|  \__,_|_|` + "\n")
	fmt.Println()
	printOneliner()
	fmt.Println()
	fmt.Println()
}
